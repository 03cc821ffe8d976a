package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/httputil"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/records"
	"github.com/banshee-data/fieldlog/internal/replay"
	"github.com/banshee-data/fieldlog/internal/serialmux"
	"github.com/banshee-data/fieldlog/internal/session"
	"github.com/banshee-data/fieldlog/internal/version"
)

type serveOptions struct {
	listen   string
	dbPath   string
	apiBase  string
	apiToken string
	record   string
	gps      gpsSourceOptions
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve phone sessions over websocket",
		Long: `serve accepts phone sessions on /ws/session. Records go to the backend named by
--api-base, or to a local sqlite store that is also served on /api/objects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "", "listen address (default $"+envListen+" or :8080)")
	f.StringVar(&opts.dbPath, "db", "", "sqlite records store (default $"+envDB+" or fieldlog.db)")
	f.StringVar(&opts.apiBase, "api-base", "", "remote records backend URL (default $"+envAPIBase+")")
	f.StringVar(&opts.apiToken, "api-token", "", "bearer token for the records API (default $"+envAPIToken+")")
	f.StringVar(&opts.record, "record", "", "append every sensor event to this JSON-lines file for replay")
	opts.gps.register(cmd, false)
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	listen := envOr(opts.listen, envListen, ":8080")
	apiBase := envOr(opts.apiBase, envAPIBase, "")
	token := envOr(opts.apiToken, envAPIToken, "")

	mux := http.NewServeMux()
	var (
		client   records.Client
		enricher records.Enricher
	)
	if apiBase != "" {
		hc, err := records.NewHTTPClient(apiBase, token, httputil.NewStandardClient(15*time.Second))
		if err != nil {
			return err
		}
		client, enricher = hc, hc
		monitoring.Logf("[Serve] records backend %s", apiBase)
	} else {
		store, err := records.OpenStore(envOr(opts.dbPath, envDB, "fieldlog.db"), nil)
		if err != nil {
			return err
		}
		defer store.Close()
		srv := records.NewServer(store, token)
		mux = srv.ServeMux()
		if err := srv.AttachAdminRoutes(mux); err != nil {
			return fmt.Errorf("records admin routes: %w", err)
		}
		client, enricher = store, records.TableEnricher{}
	}
	mux.Handle("/metrics", monitoring.Handler())

	bridge := session.NewBridge(root.tuning, client, enricher)
	if opts.record != "" {
		f, err := os.OpenFile(opts.record, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening event log: %w", err)
		}
		defer f.Close()
		bridge.Events = replay.NewRecorder(f)
		monitoring.Logf("[Serve] recording sensor events to %s", opts.record)
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gps, err := opts.gps.open()
	if err != nil {
		return err
	}
	if gps == nil {
		gps = serialmux.NewDisabledSerialMux()
	} else {
		bridge.GPS = gps
	}
	defer gps.Close()
	gps.AttachAdminRoutes(mux)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gps.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Warnf("[Serve] serial monitor: %v", err)
		}
	}()
	bridge.AttachRoutes(mux)

	server := &http.Server{
		Addr:              listen,
		Handler:           httputil.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[Serve] fieldlog %s listening on %s", version.String(), listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}
	monitoring.Logf("[Serve] shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("[Serve] shutdown: %v", err)
		_ = server.Close()
	}
	cancel()
	wg.Wait()
	return serveErr
}

// gpsSourceOptions select a serial receiver or the built-in simulator.
type gpsSourceOptions struct {
	port     string
	baud     int
	rateHz   int
	simulate bool
	center   [2]float64
	radiusM  float64
}

func (o *gpsSourceOptions) register(cmd *cobra.Command, simulateDefault bool) {
	f := cmd.Flags()
	f.StringVar(&o.port, "gps-port", "", "NMEA serial device (default $"+envGPSPort+")")
	f.IntVar(&o.baud, "gps-baud", serialmux.DefaultBaudRate, "serial baud rate")
	f.IntVar(&o.rateHz, "gps-rate", 1, "fix rate to request from the receiver, 1-10 Hz")
	f.BoolVar(&o.simulate, "gps-simulate", simulateDefault, "use a simulated receiver walking a circle")
	f.Float64Var(&o.center[0], "sim-lat", 40.4168, "simulated circle centre latitude")
	f.Float64Var(&o.center[1], "sim-lng", -3.7038, "simulated circle centre longitude")
	f.Float64Var(&o.radiusM, "sim-radius", 25, "simulated circle radius in metres")
}

// open returns nil, nil when no receiver is configured.
func (o *gpsSourceOptions) open() (serialmux.Mux, error) {
	if o.simulate {
		port := serialmux.NewSimulatedPort(geo.Position{Lat: o.center[0], Lng: o.center[1]}, o.radiusM, time.Second/time.Duration(max(o.rateHz, 1)))
		monitoring.Logf("[GPS] simulated receiver around %.5f,%.5f r=%.0fm", o.center[0], o.center[1], o.radiusM)
		return serialmux.NewSerialMux(port), nil
	}
	path := envOr(o.port, envGPSPort, "")
	if path == "" {
		return nil, nil
	}
	m, err := serialmux.NewRealSerialMux(path, serialmux.PortOptions{BaudRate: o.baud})
	if err != nil {
		return nil, fmt.Errorf("opening GPS receiver: %w", err)
	}
	if err := m.Initialize(o.rateHz); err != nil {
		m.Close()
		return nil, fmt.Errorf("configuring GPS receiver: %w", err)
	}
	monitoring.Logf("[GPS] receiver on %s at %d baud, %d Hz", path, o.baud, o.rateHz)
	return m, nil
}
