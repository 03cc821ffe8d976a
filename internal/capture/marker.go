package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/fieldlog/internal/config"
	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/records"
)

const (
	markerClass    = "marker"
	manualCreator  = "AR_USER_MANUAL"
	teachCreator   = "TEACH_MODE"
	teachFallback  = "Identificado manualmente."
	userConfidence = 1.0
)

// Placer saves records the user asks for: a manual marker or a taught
// label. Both go OffsetM metres ahead along the heading and need a fix.
// Calls block until the backend answers.
type Placer struct {
	offsetM float64
	env     Env
}

// NewPlacer builds a Placer.
func NewPlacer(offsetM float64, env Env) (*Placer, error) {
	if !(offsetM >= 0) {
		return nil, fmt.Errorf("marker offset must not be negative, got %v", offsetM)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &Placer{offsetM: offsetM, env: env.withDefaults()}, nil
}

// NewPlacerFromTuning builds a Placer with the configured offset.
func NewPlacerFromTuning(cfg *config.TuningConfig, env Env) (*Placer, error) {
	return NewPlacer(cfg.GetManualOffsetM(), env)
}

func (m *Placer) ahead() (geo.Position, float64, error) {
	pos, ok := m.env.Location.Position()
	if !ok {
		return geo.Position{}, 0, ErrNoFix
	}
	heading := m.env.heading()
	dest, err := geo.DestinationPoint(pos.Lat, pos.Lng, heading, m.offsetM)
	if err != nil {
		return geo.Position{}, 0, err
	}
	return dest, heading, nil
}

func (m *Placer) persist(ctx context.Context, p records.CreatePayload) (records.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, m.env.SubmitTimeout)
	defer cancel()
	res, err := submit(ctx, m.env.Records, p)
	if err != nil {
		return records.Record{}, err
	}
	rec := records.Record{
		ID:       fmt.Sprintf("temp-%d", m.env.Clock.Now().UnixMilli()),
		Title:    p.Name,
		Type:     p.ObjectClass,
		Lat:      &p.Location.Lat,
		Lng:      &p.Location.Lng,
		Metadata: p.Metadata,
	}
	if d := res.Data; d != nil {
		if d.ID != "" {
			rec.ID = d.ID
		}
		if t := d.DisplayTitle(); t != records.UnknownTitle {
			rec.Title = t
		}
		if k := d.Kind(); k != "" {
			rec.Type = k
		}
		if d.Metadata != nil {
			rec.Metadata = d.Metadata
		}
	}
	m.env.saved(rec)
	return rec, nil
}

// CreateManual places a "marker" record titled title. snapshot is an
// optional base64 image the user took.
func (m *Placer) CreateManual(ctx context.Context, title, desc, snapshot string) (records.Record, error) {
	dest, heading, err := m.ahead()
	if err != nil {
		if errors.Is(err, ErrNoFix) {
			m.env.notify("Esperando GPS...", 2*time.Second, CodeGPS)
		}
		return records.Record{}, err
	}
	m.env.notify("Guardando con Foto...", 0, "")

	rec, err := m.persist(ctx, records.CreatePayload{
		Source:      records.SourceManual,
		ObjectClass: markerClass,
		Name:        title,
		Confidence:  userConfidence,
		Timestamp:   m.env.timestamp(),
		Location:    records.Location{Lat: dest.Lat, Lng: dest.Lng},
		Heading:     heading,
		ImageBase64: snapshot,
		Metadata: map[string]any{
			"description": desc,
			"altitude":    0.0,
			"created_by":  manualCreator,
		},
		MissionID: m.env.Mission.ID(),
	})
	if err != nil {
		monitoring.Logf("[Marker] manual save failed: %v", err)
		m.env.notify("Error al guardar: "+err.Error(), 3*time.Second, ErrorCode(err))
		return records.Record{}, err
	}
	m.env.notify("Marcador Guardado OK", 3*time.Second, "")
	return rec, nil
}

// Teach stores the current frame under a user-given label and returns the
// record and its description.
func (m *Placer) Teach(ctx context.Context, label string) (records.Record, string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return records.Record{}, "", fmt.Errorf("teach: empty label")
	}
	dest, heading, err := m.ahead()
	if err != nil {
		if errors.Is(err, ErrNoFix) {
			m.env.notify("Sin señal GPS (Necesaria para guardar)", 3*time.Second, CodeGPS)
		}
		return records.Record{}, "", err
	}
	m.env.notify("Analizando con IA...", 0, "")

	image, grabErr := m.env.grab()
	desc, category := m.env.enrich(ctx, label, teachFallback, records.DefaultCategory)
	meta := map[string]any{
		"description": desc,
		"created_by":  teachCreator,
		"mode":        "interactive",
	}
	if grabErr != nil {
		meta["warning"] = grabErr.Error()
	}

	rec, err := m.persist(ctx, records.CreatePayload{
		Source:      records.SourceTeach,
		ObjectClass: category,
		Name:        strings.ToUpper(label),
		Confidence:  userConfidence,
		Timestamp:   m.env.timestamp(),
		Location:    records.Location{Lat: dest.Lat, Lng: dest.Lng},
		Heading:     heading,
		ImageBase64: image,
		Metadata:    meta,
		MissionID:   m.env.Mission.ID(),
	})
	if err != nil {
		monitoring.Logf("[Teach] save of %q failed: %v", label, err)
		m.env.notify("Error al aprender: "+err.Error(), 3*time.Second, ErrorCode(err))
		return records.Record{}, "", err
	}
	m.env.notify(fmt.Sprintf("¡Aprendido! %s", label), 3*time.Second, "")
	return rec, desc, nil
}
