// Package records is the persistence side of field logging: the payloads
// the capture triggers submit, the records the backend returns, a REST
// client for the remote backend and a sqlite store that serves the same
// API for local development.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/tracking"
)

// Sources of a record.
const (
	SourceSentinel = "sentinel"
	SourceManual   = "manual"
	SourceTeach    = "teach"
)

// UnknownTitle is shown for records without any usable name.
const UnknownTitle = "Desconocido"

// Location is a WGS84 point as sent on the wire.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CreatePayload is the body of a create request.
type CreatePayload struct {
	Source      string         `json:"source"`
	ObjectClass string         `json:"object_class"`
	Name        string         `json:"name"`
	Confidence  float64        `json:"confidence"`
	Timestamp   string         `json:"timestamp"`
	Location    Location       `json:"location"`
	Heading     float64        `json:"heading"`
	ImageBase64 string         `json:"image_base64"`
	BBox        *tracking.Box  `json:"bbox,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	MissionID   *string        `json:"mission_id"`
}

// Validate checks the fields the backend rejects.
func (p CreatePayload) Validate() error {
	switch {
	case p.Source == "":
		return fmt.Errorf("payload source is required")
	case p.ObjectClass == "":
		return fmt.Errorf("payload object_class is required")
	case p.Confidence < 0 || p.Confidence > 1:
		return fmt.Errorf("payload confidence %v outside [0,1]", p.Confidence)
	case p.Location.Lat < -90 || p.Location.Lat > 90:
		return fmt.Errorf("payload latitude %v out of range", p.Location.Lat)
	case p.Location.Lng < -180 || p.Location.Lng > 180:
		return fmt.Errorf("payload longitude %v out of range", p.Location.Lng)
	}
	if p.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, p.Timestamp); err != nil {
			return fmt.Errorf("payload timestamp: %w", err)
		}
	}
	return nil
}

// Record is a stored observation as returned by the backend. Older rows
// use the Spanish column names and carry their position in one of several
// encodings.
type Record struct {
	ID          string          `json:"id"`
	Title       string          `json:"title,omitempty"`
	Name        string          `json:"name,omitempty"`
	Nombre      string          `json:"nombre,omitempty"`
	Type        string          `json:"type,omitempty"`
	Tipo        string          `json:"tipo,omitempty"`
	Source      string          `json:"source,omitempty"`
	Confidence  float64         `json:"confidence,omitempty"`
	Lat         *float64        `json:"lat,omitempty"`
	Lng         *float64        `json:"lng,omitempty"`
	Posicion    json.RawMessage `json:"posicion,omitempty"`
	Position    json.RawMessage `json:"position,omitempty"`
	Heading     float64         `json:"heading,omitempty"`
	ImageBase64 string          `json:"image_base64,omitempty"`
	MissionID   *string         `json:"mission_id,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

// DisplayTitle picks the first non-empty name field.
func (r Record) DisplayTitle() string {
	for _, s := range []string{r.Title, r.Name, r.Nombre} {
		if s != "" {
			return s
		}
	}
	return UnknownTitle
}

// Kind returns the record type.
func (r Record) Kind() string {
	if r.Type != "" {
		return r.Type
	}
	return r.Tipo
}

// AltitudeM reads metadata.altitude, 0 when absent or not a number.
func (r Record) AltitudeM() float64 {
	switch v := r.Metadata["altitude"].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Decode resolves the record position. On failure it returns {0,0} along
// with a wrapped geo.ErrNoPosition.
func (r Record) Decode() (geo.Position, geo.Encoding, error) {
	return geo.DecodeRecordPosition(geo.RawPosition{
		Lat:      r.Lat,
		Lng:      r.Lng,
		Posicion: r.Posicion,
		Position: r.Position,
	})
}

// Result is the backend answer to a create request. An identified
// observation comes back with Status "identified" and the matched record.
type Result struct {
	Success bool    `json:"success"`
	Data    *Record `json:"data,omitempty"`
	Error   string  `json:"error,omitempty"`
	Status  string  `json:"status,omitempty"`
	Match   *Record `json:"match,omitempty"`
}

// StatusIdentified marks a create that matched an existing record.
const StatusIdentified = "identified"

// Client is the persistence API the capture flows and the session use.
type Client interface {
	CreateRecord(ctx context.Context, p CreatePayload) (Result, error)
	QueryNearby(ctx context.Context, lat, lng, radiusM float64) ([]Record, error)
}
