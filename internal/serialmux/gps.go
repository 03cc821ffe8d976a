package serialmux

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
)

// FixSink receives decoded receiver fixes. fusion.Engine implements it.
type FixSink interface {
	HandleGPSFix(lat, lng float64) geo.Position
	ReportUnavailable(reason string)
}

// FeedStats counts what FeedFixes did with the lines it read.
type FeedStats struct {
	Fixes    int
	NoFix    int
	Ignored  int
	Rejected int
}

// FeedFixes subscribes to mux and forwards every valid GGA or RMC fix to
// sink until ctx ends or the subscription closes. A receiver reporting no
// fix marks the sink unavailable once per outage. onFix, when set, sees
// every forwarded fix.
func FeedFixes(ctx context.Context, mux Mux, sink FixSink, onFix func(Fix)) (FeedStats, error) {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	var (
		stats  FeedStats
		outage bool
		last   = time.Duration(-1)
	)
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return stats, nil
			}
			fix, err := ParseFix(line)
			switch {
			case err == nil:
			case errors.Is(err, ErrNoSatelliteFix):
				stats.NoFix++
				if !outage {
					outage = true
					sink.ReportUnavailable("receiver has no satellite fix")
				}
				continue
			case errors.Is(err, ErrUnsupported):
				stats.Ignored++
				continue
			default:
				stats.Rejected++
				monitoring.Warnf("[GPS] dropping line: %v", err)
				continue
			}

			// GGA and RMC for the same epoch carry the same position. Only
			// RMC has a date, so compare time of day.
			tod := fix.Time.Sub(fix.Time.Truncate(24 * time.Hour))
			if !fix.Time.IsZero() && tod == last {
				stats.Ignored++
				continue
			}
			last = tod
			if outage {
				outage = false
				monitoring.Logf("[GPS] fix regained")
			}
			sink.HandleGPSFix(fix.Lat, fix.Lng)
			stats.Fixes++
			if onFix != nil {
				onFix(fix)
			}
		}
	}
}
