package geo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// ErrNoPosition is returned when none of a record's position encodings
// could be decoded.
var ErrNoPosition = errors.New("geo: record has no decodable position")

// Encoding is one of the shapes a persisted record uses for its location.
type Encoding interface {
	Decode() (Position, error)
	Kind() string
}

// DirectEncoding carries explicit lat/lng fields.
type DirectEncoding struct {
	Lat, Lng float64
}

func (e DirectEncoding) Kind() string { return "direct" }

func (e DirectEncoding) Decode() (Position, error) {
	// Zero is what the backend writes for "unset".
	if e.Lat == 0 && e.Lng == 0 {
		return Position{}, fmt.Errorf("direct: %w", ErrNoPosition)
	}
	return Position{Lat: e.Lat, Lng: e.Lng}, nil
}

// GeoJSONEncoding is a GeoJSON Point geometry, coordinates [lng, lat].
type GeoJSONEncoding struct {
	Raw json.RawMessage
}

func (e GeoJSONEncoding) Kind() string { return "geojson" }

func (e GeoJSONEncoding) Decode() (Position, error) {
	g, err := geojson.UnmarshalGeometry(e.Raw)
	if err != nil {
		// Some records store only {"coordinates":[lng,lat]}.
		if pt, ok := untypedPoint(e.Raw); ok {
			return Position{Lat: pt.Lat(), Lng: pt.Lon()}, nil
		}
		return Position{}, fmt.Errorf("geojson: %w", err)
	}
	if g.Coordinates == nil {
		return Position{}, fmt.Errorf("geojson: %w", ErrNoPosition)
	}
	pt, ok := g.Coordinates.(orb.Point)
	if !ok {
		return Position{}, fmt.Errorf("geojson: expected Point, got %s", g.Coordinates.GeoJSONType())
	}
	return Position{Lat: pt.Lat(), Lng: pt.Lon()}, nil
}

func untypedPoint(raw json.RawMessage) (orb.Point, bool) {
	var obj struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Type != "" || len(obj.Coordinates) != 2 {
		return orb.Point{}, false
	}
	return orb.Point{obj.Coordinates[0], obj.Coordinates[1]}, true
}

// WKTEncoding is a well-known-text point, "POINT(lng lat)", optionally
// prefixed with an EWKT "SRID=4326;" tag.
type WKTEncoding struct {
	Text string
}

func (e WKTEncoding) Kind() string { return "wkt" }

func (e WKTEncoding) Decode() (Position, error) {
	text := strings.TrimSpace(e.Text)
	if i := strings.Index(text, ";"); i >= 0 && strings.HasPrefix(strings.ToUpper(text), "SRID=") {
		text = text[i+1:]
	}
	pt, err := wkt.UnmarshalPoint(text)
	if err != nil {
		return Position{}, fmt.Errorf("wkt: %w", err)
	}
	return Position{Lat: pt.Lat(), Lng: pt.Lon()}, nil
}

// RawPosition holds the location-bearing fields of a record exactly as they
// arrived on the wire.
type RawPosition struct {
	Lat      *float64        `json:"lat,omitempty"`
	Lng      *float64        `json:"lng,omitempty"`
	Posicion json.RawMessage `json:"posicion,omitempty"`
	Position json.RawMessage `json:"position,omitempty"`
}

// Encodings lists the candidate encodings present in r in the order they
// should be tried: direct fields first, then any geometry field.
func (r RawPosition) Encodings() []Encoding {
	var out []Encoding
	if r.Lat != nil && r.Lng != nil {
		out = append(out, DirectEncoding{Lat: *r.Lat, Lng: *r.Lng})
	}
	for _, raw := range []json.RawMessage{r.Posicion, r.Position} {
		if enc := classifyGeometry(raw); enc != nil {
			out = append(out, enc)
		}
	}
	return out
}

func classifyGeometry(raw json.RawMessage) Encoding {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '{':
		return GeoJSONEncoding{Raw: raw}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if strings.HasPrefix(strings.TrimSpace(s), "{") {
			return GeoJSONEncoding{Raw: json.RawMessage(s)}
		}
		return WKTEncoding{Text: s}
	}
	return nil
}

// DecodeRecordPosition returns the first encoding in r that decodes. When
// none does it returns {0,0} and ErrNoPosition so the caller can log the
// anomaly and carry on.
func DecodeRecordPosition(r RawPosition) (Position, Encoding, error) {
	var errs []error
	for _, enc := range r.Encodings() {
		p, err := enc.Decode()
		if err == nil {
			return p, enc, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Position{}, nil, ErrNoPosition
	}
	return Position{}, nil, fmt.Errorf("%w: %w", ErrNoPosition, errors.Join(errs...))
}

// FormatWKT renders p as "POINT(lng lat)".
func FormatWKT(p Position) string {
	return wkt.MarshalString(orb.Point{p.Lng, p.Lat})
}
