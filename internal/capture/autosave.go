package capture

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fieldlog/internal/config"
	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/records"
	"github.com/banshee-data/fieldlog/internal/tracking"
)

const (
	triggerAutoSave = "autosave"
	autoSaveCreator = "SENTINEL_AUTO"
)

// AutoSaveConfig holds the centred-target save thresholds.
type AutoSaveConfig struct {
	Threshold float64
	Cooldown  time.Duration
	// DistanceM places the record this far ahead when the detection has no
	// depth estimate.
	DistanceM float64
}

// AutoSaveConfigFromTuning builds an AutoSaveConfig from a loaded TuningConfig.
func AutoSaveConfigFromTuning(cfg *config.TuningConfig) AutoSaveConfig {
	return AutoSaveConfig{
		Threshold: cfg.GetAutoSaveThreshold(),
		Cooldown:  cfg.GetAutoSaveCooldown(),
		DistanceM: cfg.GetAutoSaveDistanceM(),
	}
}

// AutoSave stores the object in the centre of the frame, placed ahead of
// the user along the heading at its estimated distance.
type AutoSave struct {
	cfg     AutoSaveConfig
	env     Env
	gate    *CooldownGate
	enabled atomic.Bool
	*dispatcher
}

// NewAutoSave returns a disabled auto-save trigger.
func NewAutoSave(cfg AutoSaveConfig, env Env) (*AutoSave, error) {
	switch {
	case cfg.Threshold < 0 || cfg.Threshold > 1:
		return nil, fmt.Errorf("auto-save threshold must be in [0,1], got %v", cfg.Threshold)
	case cfg.Cooldown < 0:
		return nil, fmt.Errorf("auto-save cooldown must not be negative, got %v", cfg.Cooldown)
	case !(cfg.DistanceM > 0):
		return nil, fmt.Errorf("auto-save distance must be positive, got %v", cfg.DistanceM)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &AutoSave{
		cfg:        cfg,
		env:        env.withDefaults(),
		gate:       NewCooldownGate(cfg.Cooldown),
		dispatcher: newDispatcher(),
	}, nil
}

// SetEnabled arms or disarms auto-save.
func (a *AutoSave) SetEnabled(on bool) {
	if a.enabled.Swap(on) != on {
		monitoring.Logf("[AutoSave] enabled=%v", on)
	}
}

// Enabled reports whether auto-save is armed.
func (a *AutoSave) Enabled() bool {
	return a.enabled.Load()
}

// Cooldown exposes the per-class gate.
func (a *AutoSave) Cooldown() *CooldownGate {
	return a.gate
}

// Process picks the central target among objs and dispatches a save when it
// passes threshold and cooldown and there is a position fix. It reports
// whether a save was dispatched.
func (a *AutoSave) Process(objs []tracking.SmoothedObject, frameW, frameH float64) bool {
	if !a.enabled.Load() {
		return false
	}
	target, ok := tracking.CentralTarget(objs, frameW, frameH)
	if !ok || target.Class == "" || target.Score < a.cfg.Threshold {
		return false
	}
	pos, ok := a.env.Location.Position()
	if !ok {
		return false
	}
	now := a.env.Clock.Now()
	if !a.gate.TryAcquire(target.Class, now) {
		return false
	}
	a.fire(target, pos, now)
	return true
}

func (a *AutoSave) fail(class string, at time.Time, err error) {
	a.gate.Release(class, at)
	code := ErrorCode(err)
	monitoring.CapturesFailed.WithLabelValues(triggerAutoSave, code).Inc()
	monitoring.Logf("[AutoSave] save of %s failed (%s): %v", class, code, err)
	if code == CodeAPI {
		a.env.notify(fmt.Sprintf("%s: %v", CodeAPI, err), 4*time.Second, code)
		return
	}
	a.env.notify(code, 4*time.Second, code)
}

func (a *AutoSave) fire(target tracking.SmoothedObject, pos geo.Position, at time.Time) {
	class := target.Class
	monitoring.CapturesTriggered.WithLabelValues(triggerAutoSave).Inc()
	a.env.notify(fmt.Sprintf("Guardando %s...", class), 0, "")

	image, grabErr := a.env.grab()
	heading := a.env.heading()
	dist := target.DistanceM
	if !(dist > 0) {
		dist = a.cfg.DistanceM
	}
	dest, err := geo.DestinationPoint(pos.Lat, pos.Lng, heading, dist)
	if err != nil {
		a.fail(class, at, err)
		return
	}
	bbox := target.BBox
	clientRef := newClientRef()
	missionID := a.env.Mission.ID()
	timestamp := a.env.timestamp()

	a.goSubmit(a.env.SubmitTimeout, func(ctx context.Context) {
		desc, category := a.env.enrich(ctx, class,
			fmt.Sprintf("%s detectado automáticamente.", class), records.CategoryForClass(class))

		meta := map[string]any{
			"description":   desc,
			"created_by":    autoSaveCreator,
			"ai_class":      class,
			"ai_confidence": fmt.Sprintf("%.2f", target.Score),
			"client_ref":    clientRef,
		}
		if grabErr != nil {
			meta["warning"] = grabErr.Error()
		}
		p := records.CreatePayload{
			Source:      records.SourceSentinel,
			ObjectClass: category,
			Name:        strings.ToUpper(class),
			Confidence:  target.Score,
			Timestamp:   timestamp,
			Location:    records.Location{Lat: dest.Lat, Lng: dest.Lng},
			Heading:     heading,
			ImageBase64: image,
			BBox:        &bbox,
			Metadata:    meta,
			MissionID:   missionID,
		}

		res, err := submit(ctx, a.env.Records, p)
		if err != nil {
			a.fail(class, at, err)
			return
		}
		a.env.notify(fmt.Sprintf("%s guardado", class), 2*time.Second, "")

		rec := records.Record{
			ID:       fmt.Sprintf("auto-%d", a.env.Clock.Now().UnixMilli()),
			Title:    strings.ToUpper(class),
			Type:     category,
			Lat:      &dest.Lat,
			Lng:      &dest.Lng,
			Metadata: map[string]any{"description": desc},
		}
		if res.Data != nil && res.Data.ID != "" {
			rec.ID = res.Data.ID
		}
		a.env.saved(rec)
	})
}
