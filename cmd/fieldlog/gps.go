package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fieldlog/internal/fusion"
	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/serialmux"
	"github.com/banshee-data/fieldlog/internal/timeutil"
	"github.com/banshee-data/fieldlog/internal/units"
)

type gpsOptions struct {
	source   gpsSourceOptions
	duration time.Duration
	units    string
}

func newGPSCmd(root *rootOptions) *cobra.Command {
	opts := &gpsOptions{}
	cmd := &cobra.Command{
		Use:   "gps",
		Short: "Stream fixes from an NMEA receiver through the position smoother",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := units.Parse(opts.units)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			mux, err := opts.source.open()
			if err != nil {
				return err
			}
			if mux == nil {
				return fmt.Errorf("no receiver: set --gps-port, $%s or --gps-simulate", envGPSPort)
			}
			defer mux.Close()
			_, err = runGPS(ctx, root, mux, unit, cmd.OutOrStdout())
			return err
		},
	}
	opts.source.register(cmd, false)
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&opts.units, "units", units.KPH, "ground speed units: "+units.ValidUnitsString())
	return cmd
}

// runGPS prints every fix next to the smoothed position until ctx ends or
// the receiver stops. Speed is the receiver's RMC speed over ground when it
// reports one, otherwise the distance from the previous fix over elapsed time.
func runGPS(ctx context.Context, root *rootOptions, mux serialmux.Mux, unit string, out io.Writer) (serialmux.FeedStats, error) {
	engine, err := fusion.NewEngine(fusion.ConfigFromTuning(root.tuning), timeutil.RealClock{})
	if err != nil {
		return serialmux.FeedStats{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	monitorErr := make(chan error, 1)
	go func() {
		monitorErr <- mux.Monitor(ctx)
		// A closed or failed port ends the feed too.
		cancel()
	}()

	fmt.Fprintf(out, "time\tlat\tlng\tsats\thdop\tspeed_%s\tsmoothed_lat\tsmoothed_lng\n", unit)
	var prev *serialmux.Fix
	stats, err := serialmux.FeedFixes(ctx, mux, engine, func(f serialmux.Fix) {
		pos, _ := engine.Position()
		fmt.Fprintf(out, "%s\t%.6f\t%.6f\t%d\t%.1f\t%.2f\t%.6f\t%.6f\n",
			f.Time.Format("15:04:05"), f.Lat, f.Lng, f.Satellites, f.HDOP,
			units.Convert(groundSpeed(prev, f), unit), pos.Lat, pos.Lng)
		prev = &f
	})
	cancel()
	if mErr := <-monitorErr; mErr != nil && !errors.Is(mErr, context.Canceled) && !errors.Is(mErr, context.DeadlineExceeded) {
		return stats, fmt.Errorf("serial monitor: %w", mErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return stats, err
	}
	fmt.Fprintf(out, "# fixes=%d no_fix=%d ignored=%d rejected=%d\n", stats.Fixes, stats.NoFix, stats.Ignored, stats.Rejected)
	return stats, nil
}

// groundSpeed returns m/s.
func groundSpeed(prev *serialmux.Fix, f serialmux.Fix) float64 {
	if f.SpeedKnots > 0 {
		return units.FromKnots(f.SpeedKnots)
	}
	if prev == nil || f.Time.IsZero() || prev.Time.IsZero() {
		return 0
	}
	dt := f.Time.Sub(prev.Time).Seconds()
	if dt <= 0 {
		return 0
	}
	return geo.DistanceMeters(prev.Lat, prev.Lng, f.Lat, f.Lng) / dt
}
