package fusion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/timeutil"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *timeutil.MockClock) {
	t.Helper()
	monitoring.SetLogger(nil)
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := timeutil.NewMockClock(t0)
	e, err := NewEngine(cfg, clock)
	require.NoError(t, err)
	return e, clock
}

func TestNewEngine_Validation(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"heading alpha": func(c *Config) { c.HeadingAlpha = 1.2 },
		"gps alpha":     func(c *Config) { c.GPSAlpha = -0.1 },
		"gyro sign":     func(c *Config) { c.GyroSign = 0 },
		"interval":      func(c *Config) { c.Interval = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := NewEngine(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestMagSample_CompassHeading(t *testing.T) {
	tests := []struct {
		name string
		s    MagSample
		want float64
		ok   bool
	}{
		{"ios heading", MagSample{WebkitHeading: f(42)}, 42, true},
		{"ios preferred over alpha", MagSample{WebkitHeading: f(42), Alpha: f(10)}, 42, true},
		{"android alpha is inverted", MagSample{Alpha: f(90)}, 270, true},
		{"alpha zero is north", MagSample{Alpha: f(0)}, 0, true},
		{"empty", MagSample{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.s.CompassHeading()
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestGPS_FirstFixAdopted(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, ok := e.Position()
	assert.False(t, ok)

	got := e.HandleGPSFix(40.4168, -3.7038)
	assert.Equal(t, geo.Position{Lat: 40.4168, Lng: -3.7038}, got)
	pos, ok := e.Position()
	assert.True(t, ok)
	assert.Equal(t, got, pos)
}

func TestGPS_LargeJumpSnaps(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.HandleGPSFix(10, 10)
	got := e.HandleGPSFix(10, 10.0002) // ~22 m east
	assert.Equal(t, geo.Position{Lat: 10, Lng: 10.0002}, got)
}

func TestGPS_SmallMoveBlends(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.HandleGPSFix(10, 10)
	got := e.HandleGPSFix(10, 10.00001) // ~1 m east
	assert.InDelta(t, 10.0, got.Lat, 1e-12)
	assert.InDelta(t, 10+0.00001*0.2, got.Lng, 1e-12)
}

func TestGPS_PositionsChannelKeepsLatestOnly(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.HandleGPSFix(10, 10)
	e.HandleGPSFix(20, 20)
	e.HandleGPSFix(30, 30)

	select {
	case p := <-e.Positions():
		assert.Equal(t, geo.Position{Lat: 30, Lng: 30}, p)
	default:
		t.Fatal("expected a pending position")
	}
	select {
	case p := <-e.Positions():
		t.Fatalf("stale position queued: %v", p)
	default:
	}
}

func TestStatus_UnavailableAndRecovery(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	st, err := e.Status()
	assert.Equal(t, StatusWaiting, st)
	assert.NoError(t, err)

	e.ReportUnavailable("permission denied")
	st, err = e.Status()
	assert.Equal(t, StatusNoSignal, st)
	assert.ErrorIs(t, err, ErrSensorUnavailable)
	assert.Contains(t, err.Error(), "permission denied")

	e.SetManualPosition(1, 2)
	st, err = e.Status()
	assert.Equal(t, StatusOK, st)
	assert.NoError(t, err)
	pos, ok := e.Position()
	assert.True(t, ok)
	assert.Equal(t, geo.Position{Lat: 1, Lng: 2}, pos)
}

func TestHeading_FirstMagSeedsFilter(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.HandleMagnetometer(MagSample{WebkitHeading: f(123)})
	assert.InDelta(t, 123.0, e.Heading().Degrees, 1e-9)

	// Later samples only act through Tick.
	e.HandleMagnetometer(MagSample{WebkitHeading: f(200)})
	assert.InDelta(t, 123.0, e.Heading().Degrees, 1e-9)
}

func TestHeading_ConvergesToCompassWithoutGyro(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.HandleMagnetometer(MagSample{WebkitHeading: f(0)})
	e.HandleMagnetometer(MagSample{WebkitHeading: f(90)})

	now := t0
	e.Tick(now)
	prev := 90.0
	for i := 0; i < 600; i++ {
		now = now.Add(16 * time.Millisecond)
		h := e.Tick(now).Degrees
		errNow := 90 - h
		assert.LessOrEqual(t, errNow, prev+1e-9)
		prev = errNow
	}
	assert.InDelta(t, 90.0, e.Heading().Degrees, 0.01)
}

func TestHeading_WrapsTheShortWay(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.HandleMagnetometer(MagSample{WebkitHeading: f(359)})
	e.HandleMagnetometer(MagSample{WebkitHeading: f(1)})

	e.Tick(t0)
	got := e.Tick(t0.Add(16 * time.Millisecond)).Degrees

	// A +2° correction, weighted by 1-alpha, not a -358° swing.
	assert.InDelta(t, 359+0.02*2, got, 1e-9)

	// Keep going: the heading crosses north and stays normalised.
	now := t0.Add(16 * time.Millisecond)
	for i := 0; i < 600; i++ {
		now = now.Add(16 * time.Millisecond)
		h := e.Tick(now).Degrees
		assert.GreaterOrEqual(t, h, 0.0)
		assert.Less(t, h, 360.0)
	}
	assert.InDelta(t, 1.0, e.Heading().Degrees, 0.01)
}

func TestHeading_GyroIntegration(t *testing.T) {
	tests := []struct {
		name string
		sign float64
		want float64
	}{
		{"default sign subtracts yaw", 1, 355},
		{"inverted sign adds yaw", -1, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, func(c *Config) { c.GyroSign = tt.sign })
			e.HandleGyroscope(f(10))
			e.HandleGyroscope(nil) // ignored
			e.Tick(t0)
			got := e.Tick(t0.Add(500 * time.Millisecond)).Degrees
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestHeading_LongGapSkipsTick(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.HandleGyroscope(f(10))
	e.Tick(t0)

	got := e.Tick(t0.Add(2 * time.Second)).Degrees
	assert.Equal(t, 0.0, got, "a suspended tab must not spin the heading")

	// The skipped tick still resets the baseline.
	got = e.Tick(t0.Add(2*time.Second + 100*time.Millisecond)).Degrees
	assert.InDelta(t, 359.0, got, 1e-9)
}

func TestHeadingsChannelLastValueWins(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.HandleGyroscope(f(1))
	e.Tick(t0)
	e.Tick(t0.Add(100 * time.Millisecond))
	last := e.Tick(t0.Add(200 * time.Millisecond))

	got := <-e.Headings()
	assert.Equal(t, last, got)
	select {
	case <-e.Headings():
		t.Fatal("headings must not queue")
	default:
	}
}

func TestApply(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Apply(Event{Type: EventGPS, Lat: 1, Lng: 2}))
	require.NoError(t, e.Apply(Event{Type: EventMag, MagSample: MagSample{Alpha: f(90)}}))
	require.NoError(t, e.Apply(Event{Type: EventGyro, RotationRate: f(3)}))
	assert.Error(t, e.Apply(Event{Type: "barometer"}))

	pos, ok := e.Position()
	require.True(t, ok)
	assert.Equal(t, geo.Position{Lat: 1, Lng: 2}, pos)
	assert.InDelta(t, 270.0, e.Heading().Degrees, 1e-9)

	require.NoError(t, e.Apply(Event{Type: EventUnavailable, Reason: "timeout"}))
	st, _ := e.Status()
	assert.Equal(t, StatusNoSignal, st)
}

func TestRun_TicksFromClockUntilStopped(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	e.HandleGyroscope(f(-30))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		clock.Advance(16 * time.Millisecond)
		return e.Heading().Degrees > 0
	}, 2*time.Second, time.Millisecond)

	e.Stop()
	e.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
