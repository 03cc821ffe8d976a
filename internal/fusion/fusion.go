// Package fusion turns raw GPS, compass and gyroscope readings into a
// smoothed position and a drift-corrected heading.
//
// Sensor callbacks only cache their latest reading; the heading is
// integrated on Tick, which Run drives from a clock ticker. Nothing in
// here ever waits for a sensor.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/fieldlog/internal/config"
	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/timeutil"
)

// ErrSensorUnavailable marks a sensor that was denied or has no signal.
var ErrSensorUnavailable = errors.New("sensor unavailable")

// Status describes the position source.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusOK       Status = "ok"
	StatusNoSignal Status = "no-signal"
)

// Config holds the fusion constants.
type Config struct {
	HeadingAlpha  float64       // Weight of the gyro prediction in the complementary filter
	GPSAlpha      float64       // Blend factor for small GPS moves
	SnapDistanceM float64       // GPS moves larger than this are adopted outright
	GyroSign      float64       // +1 or -1, maps device yaw rate onto compass direction
	MaxGap        time.Duration // Ticks further apart than this are skipped
	Interval      time.Duration // Run loop period
}

// DefaultConfig returns the built-in fusion constants.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		HeadingAlpha:  cfg.GetHeadingAlpha(),
		GPSAlpha:      cfg.GetGPSSmoothingAlpha(),
		SnapDistanceM: cfg.GetGPSSnapDistanceM(),
		GyroSign:      cfg.GetGyroSign(),
		MaxGap:        cfg.GetMaxFusionGap(),
		Interval:      cfg.GetFusionInterval(),
	}
}

// HeadingEstimate is the fused compass heading in degrees, [0, 360).
type HeadingEstimate struct {
	Degrees float64 `json:"degrees"`
}

// MagSample is one compass reading. iOS reports WebkitHeading directly;
// other platforms report the device orientation alpha, which runs
// counter-clockwise.
type MagSample struct {
	WebkitHeading *float64 `json:"webkit_heading,omitempty"`
	Alpha         *float64 `json:"alpha,omitempty"`
}

// CompassHeading converts the sample to degrees clockwise from north.
func (m MagSample) CompassHeading() (float64, bool) {
	switch {
	case m.WebkitHeading != nil && !math.IsNaN(*m.WebkitHeading):
		return geo.NormalizeDegrees(*m.WebkitHeading), true
	case m.Alpha != nil && !math.IsNaN(*m.Alpha):
		return geo.NormalizeDegrees(360 - *m.Alpha), true
	}
	return 0, false
}

// Engine owns the session's single position and heading.
type Engine struct {
	cfg   Config
	clock timeutil.Clock

	mu          sync.Mutex
	pos         geo.Position
	hasPos      bool
	filtered    float64
	headingInit bool
	mag         float64
	hasMag      bool
	yawRate     float64
	lastTick    time.Time
	status      Status
	reason      string

	posOut     chan geo.Position
	headingOut chan HeadingEstimate

	stopOnce sync.Once
	stop     chan struct{}
}

// NewEngine returns an engine waiting for its first readings.
func NewEngine(cfg Config, clock timeutil.Clock) (*Engine, error) {
	if cfg.HeadingAlpha < 0 || cfg.HeadingAlpha > 1 {
		return nil, fmt.Errorf("heading alpha must be in [0,1], got %v", cfg.HeadingAlpha)
	}
	if cfg.GPSAlpha < 0 || cfg.GPSAlpha > 1 {
		return nil, fmt.Errorf("gps alpha must be in [0,1], got %v", cfg.GPSAlpha)
	}
	if cfg.GyroSign != 1 && cfg.GyroSign != -1 {
		return nil, fmt.Errorf("gyro sign must be 1 or -1, got %v", cfg.GyroSign)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("fusion interval must be positive, got %v", cfg.Interval)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{
		cfg:        cfg,
		clock:      clock,
		status:     StatusWaiting,
		posOut:     make(chan geo.Position, 1),
		headingOut: make(chan HeadingEstimate, 1),
		stop:       make(chan struct{}),
	}, nil
}

// offer replaces whatever is pending in a single-slot channel with v.
// Callers hold e.mu, so there is exactly one producer.
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// HandleGPSFix feeds a raw fix through the position smoother and returns
// the new smoothed position.
func (e *Engine) HandleGPSFix(lat, lng float64) geo.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw := geo.Position{Lat: lat, Lng: lng}
	switch {
	case !e.hasPos:
		e.pos = raw
		e.hasPos = true
		monitoring.GPSFixes.WithLabelValues("first").Inc()
		monitoring.Logf("[Fusion] first fix %.6f,%.6f", lat, lng)
	case geo.Distance(e.pos, raw) > e.cfg.SnapDistanceM:
		e.pos = raw
		monitoring.GPSFixes.WithLabelValues("snap").Inc()
	default:
		e.pos.Lat += (raw.Lat - e.pos.Lat) * e.cfg.GPSAlpha
		e.pos.Lng += (raw.Lng - e.pos.Lng) * e.cfg.GPSAlpha
		monitoring.GPSFixes.WithLabelValues("blend").Inc()
	}
	e.status = StatusOK
	e.reason = ""
	offer(e.posOut, e.pos)
	return e.pos
}

// SetManualPosition adopts a user-supplied position, bypassing smoothing.
func (e *Engine) SetManualPosition(lat, lng float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos = geo.Position{Lat: lat, Lng: lng}
	e.hasPos = true
	e.status = StatusOK
	e.reason = ""
	offer(e.posOut, e.pos)
	monitoring.Logf("[Fusion] manual position %.6f,%.6f", lat, lng)
}

// ReportUnavailable records that the position sensor was denied or lost.
// The last smoothed position, if any, stays readable.
func (e *Engine) ReportUnavailable(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusNoSignal
	e.reason = reason
	monitoring.Warnf("[Fusion] GPS unavailable: %s", reason)
}

// Status returns the position source status and, when unavailable, why.
func (e *Engine) Status() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusNoSignal {
		return e.status, fmt.Errorf("gps: %s: %w", e.reason, ErrSensorUnavailable)
	}
	return e.status, nil
}

// HandleMagnetometer caches a compass reading. The very first reading also
// seeds the heading filter.
func (e *Engine) HandleMagnetometer(s MagSample) {
	h, ok := s.CompassHeading()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mag = h
	e.hasMag = true
	if !e.headingInit {
		e.filtered = h
		e.headingInit = true
		offer(e.headingOut, HeadingEstimate{Degrees: h})
	}
}

// HandleGyroscope caches the Z-axis rotation rate in degrees per second.
// A nil rate, as delivered by devices without a gyroscope, is ignored.
func (e *Engine) HandleGyroscope(rate *float64) {
	if rate == nil || math.IsNaN(*rate) {
		return
	}
	e.mu.Lock()
	e.yawRate = *rate
	e.mu.Unlock()
}

// Tick integrates the gyroscope since the previous tick and blends in the
// compass. The first tick only records the time, as does any tick after a
// gap longer than MaxGap.
func (e *Engine) Tick(now time.Time) HeadingEstimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastTick.IsZero() {
		e.lastTick = now
		return HeadingEstimate{Degrees: e.filtered}
	}
	dt := now.Sub(e.lastTick)
	e.lastTick = now
	if dt <= 0 || dt > e.cfg.MaxGap {
		return HeadingEstimate{Degrees: e.filtered}
	}

	predicted := geo.NormalizeDegrees(e.filtered - e.cfg.GyroSign*e.yawRate*dt.Seconds())
	if !e.hasMag {
		e.filtered = predicted
	} else {
		mag := e.mag
		if delta := mag - predicted; delta > 180 {
			mag -= 360
		} else if delta < -180 {
			mag += 360
		}
		a := e.cfg.HeadingAlpha
		e.filtered = geo.NormalizeDegrees(a*predicted + (1-a)*mag)
	}

	est := HeadingEstimate{Degrees: e.filtered}
	monitoring.HeadingDegrees.Set(est.Degrees)
	offer(e.headingOut, est)
	return est
}

// Position returns the smoothed position and whether any fix exists.
func (e *Engine) Position() (geo.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, e.hasPos
}

// Heading returns the current fused heading.
func (e *Engine) Heading() HeadingEstimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return HeadingEstimate{Degrees: e.filtered}
}

// Positions delivers the latest smoothed position. Pending values are
// replaced, not queued, so a slow reader only sees the newest one. Meant
// for a single consumer.
func (e *Engine) Positions() <-chan geo.Position { return e.posOut }

// Headings is the heading counterpart of Positions.
func (e *Engine) Headings() <-chan HeadingEstimate { return e.headingOut }

// Run ticks the filter until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case now := <-ticker.C():
			e.Tick(now)
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}
