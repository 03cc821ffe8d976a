package replay

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/fieldlog/internal/fusion"
	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/timeutil"
)

// ErrNoEvents is returned when there is nothing to replay.
var ErrNoEvents = errors.New("no events to replay")

// Sample is the filter state after one fusion tick.
type Sample struct {
	At         time.Time     `json:"at"`
	Heading    float64       `json:"heading"`
	Compass    float64       `json:"compass"`
	HasCompass bool          `json:"has_compass"`
	Position   geo.Position  `json:"position"`
	HasFix     bool          `json:"has_fix"`
	Status     fusion.Status `json:"status"`
}

// Trace is the result of a replay.
type Trace struct {
	Samples []Sample
	Events  int
	Fixes   int
	Skipped int
}

// Duration is the time covered by the trace.
func (t Trace) Duration() time.Duration {
	if len(t.Samples) < 2 {
		return 0
	}
	return t.Samples[len(t.Samples)-1].At.Sub(t.Samples[0].At)
}

// MeanCompassError is the mean absolute difference between the fused
// heading and the raw compass, over samples that had a compass reading.
func (t Trace) MeanCompassError() float64 {
	var sum float64
	var n int
	for _, s := range t.Samples {
		if !s.HasCompass {
			continue
		}
		d := math.Abs(s.Heading - s.Compass)
		if d > 180 {
			d = 360 - d
		}
		sum += d
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Run feeds events through a fresh fusion engine, ticking it every
// cfg.Interval from the first event to the last.
func Run(events []fusion.Event, cfg fusion.Config) (Trace, error) {
	if len(events) == 0 {
		return Trace{}, ErrNoEvents
	}
	if cfg.Interval <= 0 {
		return Trace{}, fmt.Errorf("fusion interval must be positive, got %v", cfg.Interval)
	}
	start := events[0].At
	end := events[len(events)-1].At
	engine, err := fusion.NewEngine(cfg, timeutil.NewMockClock(start))
	if err != nil {
		return Trace{}, err
	}

	var (
		tr         = Trace{Events: len(events)}
		next       int
		compass    float64
		hasCompass bool
	)
	for now := start; !now.After(end.Add(cfg.Interval)); now = now.Add(cfg.Interval) {
		for ; next < len(events) && !events[next].At.After(now); next++ {
			ev := events[next]
			if err := engine.Apply(ev); err != nil {
				tr.Skipped++
				monitoring.Warnf("[Replay] event %d: %v", next, err)
				continue
			}
			switch ev.Type {
			case fusion.EventGPS:
				tr.Fixes++
			case fusion.EventMag:
				if h, ok := ev.CompassHeading(); ok {
					compass, hasCompass = h, true
				}
			}
		}
		est := engine.Tick(now)
		pos, ok := engine.Position()
		status, _ := engine.Status()
		tr.Samples = append(tr.Samples, Sample{
			At:         now,
			Heading:    est.Degrees,
			Compass:    compass,
			HasCompass: hasCompass,
			Position:   pos,
			HasFix:     ok,
			Status:     status,
		})
	}
	monitoring.Logf("[Replay] %d events, %d samples over %v", tr.Events, len(tr.Samples), tr.Duration())
	return tr, nil
}
