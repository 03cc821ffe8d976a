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
	triggerSentinel = "sentinel"
	sentinelName    = "Unknown"
	sentinelMode    = "SENTINEL_AUTO"
	newRecordName   = "Nuevo Objeto"
)

// SentinelConfig holds the continuous logging thresholds.
type SentinelConfig struct {
	Threshold float64
	Cooldown  time.Duration
}

// SentinelConfigFromTuning builds a SentinelConfig from a loaded TuningConfig.
func SentinelConfigFromTuning(cfg *config.TuningConfig) SentinelConfig {
	return SentinelConfig{
		Threshold: cfg.GetSentinelThreshold(),
		Cooldown:  cfg.GetSentinelCooldown(),
	}
}

// Sentinel logs every confident detection, once per class per cooldown.
// Records are placed at the device position.
type Sentinel struct {
	cfg     SentinelConfig
	env     Env
	gate    *CooldownGate
	enabled atomic.Bool
	*dispatcher
}

// NewSentinel returns a disabled sentinel.
func NewSentinel(cfg SentinelConfig, env Env) (*Sentinel, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("sentinel threshold must be in [0,1], got %v", cfg.Threshold)
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("sentinel cooldown must not be negative, got %v", cfg.Cooldown)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &Sentinel{
		cfg:        cfg,
		env:        env.withDefaults(),
		gate:       NewCooldownGate(cfg.Cooldown),
		dispatcher: newDispatcher(),
	}, nil
}

// SetEnabled arms or disarms the sentinel.
func (s *Sentinel) SetEnabled(on bool) {
	if s.enabled.Swap(on) == on {
		return
	}
	if on {
		monitoring.Logf("[Sentinel] engaged")
		s.env.notify("CENTINELA ACTIVO", 3*time.Second, "")
	} else {
		monitoring.Logf("[Sentinel] standby")
		s.env.notify("CENTINELA EN ESPERA", 2*time.Second, "")
	}
}

// Enabled reports whether the sentinel is armed.
func (s *Sentinel) Enabled() bool {
	return s.enabled.Load()
}

// Cooldown exposes the per-class gate.
func (s *Sentinel) Cooldown() *CooldownGate {
	return s.gate
}

// Process considers every object of one inference tick and dispatches a
// capture for each that passes threshold and cooldown. It returns the
// number dispatched and never waits for persistence.
func (s *Sentinel) Process(objs []tracking.SmoothedObject) int {
	if !s.enabled.Load() || len(objs) == 0 {
		return 0
	}
	now := s.env.Clock.Now()
	fired := 0
	for _, obj := range objs {
		if obj.Score < s.cfg.Threshold {
			continue
		}
		if !s.gate.TryAcquire(obj.Class, now) {
			continue
		}
		s.fire(obj, now)
		fired++
	}
	return fired
}

func (s *Sentinel) fire(obj tracking.SmoothedObject, at time.Time) {
	monitoring.CapturesTriggered.WithLabelValues(triggerSentinel).Inc()
	s.env.notify("CAPTURA: "+strings.ToUpper(obj.Class), time.Second, "")

	meta := map[string]any{
		"bbox":       obj.BBox,
		"mode":       sentinelMode,
		"client_ref": newClientRef(),
	}
	image, err := s.env.grab()
	if err != nil {
		meta["warning"] = err.Error()
	}

	pos, ok := s.env.Location.Position()
	if !ok {
		s.env.notify("Guardando sin GPS (0,0)", 2*time.Second, CodeGPS)
		pos = geo.Position{}
	}

	p := records.CreatePayload{
		Source:      records.SourceSentinel,
		ObjectClass: obj.Class,
		Name:        sentinelName,
		Confidence:  obj.Score,
		Timestamp:   s.env.timestamp(),
		Location:    records.Location{Lat: pos.Lat, Lng: pos.Lng},
		Heading:     s.env.heading(),
		ImageBase64: image,
		Metadata:    meta,
		MissionID:   s.env.Mission.ID(),
	}
	monitoring.Logf("[Sentinel] uploading %s (%.2f)", obj.Class, obj.Score)

	s.goSubmit(s.env.SubmitTimeout, func(ctx context.Context) {
		res, err := submit(ctx, s.env.Records, p)
		if err != nil {
			s.gate.Release(obj.Class, at)
			code := ErrorCode(err)
			monitoring.CapturesFailed.WithLabelValues(triggerSentinel, code).Inc()
			monitoring.Logf("[Sentinel] save of %s failed (%s): %v", obj.Class, code, err)
			s.env.notify("ERROR: "+err.Error(), 3*time.Second, code)
			return
		}
		if res.Status == records.StatusIdentified {
			name := records.UnknownTitle
			if res.Match != nil {
				name = res.Match.DisplayTitle()
			}
			s.env.notify("IDENTIFICADO: "+name, 3*time.Second, "")
			return
		}
		name := newRecordName
		if res.Data != nil {
			if n := res.Data.DisplayTitle(); n != records.UnknownTitle {
				name = n
			}
			if ok {
				s.env.saved(*res.Data)
			}
		}
		s.env.notify("REGISTRADO: "+name, 3*time.Second, "")
	})
}
