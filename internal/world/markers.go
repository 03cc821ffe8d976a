package world

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/dhconnelly/rtreego"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fieldlog/internal/geo"
)

const (
	indexTolerance  = 0.01
	indexMinEntries = 8
	indexMaxEntries = 32
	indexDimensions = 2
)

// POI is a persisted point of interest as loaded from the records service.
type POI struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Type      string         `json:"type"`
	Lat       float64        `json:"lat"`
	Lng       float64        `json:"lng"`
	AltitudeM float64        `json:"altitude"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Marker is a POI anchored into the local world frame. Local is computed
// once at anchoring and never recomputed as the user walks.
type Marker struct {
	POI
	Local r3.Vec
	Color uint32
}

// TypeColor returns the display colour for a POI type.
func TypeColor(t string) uint32 {
	switch strings.ToLower(t) {
	case "marker", "hazard":
		return 0xFF5500
	case "tech":
		return 0x00FFFF
	case "plant":
		return 0x00FF00
	case "animal":
		return 0xFFD700
	case "person":
		return 0xDDA0DD
	case "place":
		return 0xFFFFFF
	case "water":
		return 0x0080FF
	case "base":
		return 0x00FF00
	default:
		return 0x00A8FF
	}
}

// Anchor places poi relative to the user position it was loaded at.
func Anchor(poi POI, user geo.Position) Marker {
	v := geo.LocalVectorFromGPS(user.Lat, user.Lng, poi.Lat, poi.Lng)
	v.Y = poi.AltitudeM
	return Marker{POI: poi, Local: v, Color: TypeColor(poi.Type)}
}

type indexedMarker struct {
	*Marker
	rect *rtreego.Rect
}

func (m *indexedMarker) Bounds() *rtreego.Rect {
	return m.rect
}

// MarkerSet holds the anchored markers of the current mission, indexed on
// the ground plane for render-radius culling.
type MarkerSet struct {
	mu      sync.RWMutex
	tree    *rtreego.Rtree
	markers map[string]*indexedMarker
}

// NewMarkerSet returns an empty set.
func NewMarkerSet() *MarkerSet {
	return &MarkerSet{
		tree:    rtreego.NewTree(indexDimensions, indexMinEntries, indexMaxEntries),
		markers: make(map[string]*indexedMarker),
	}
}

// Add inserts or replaces a marker by ID.
func (s *MarkerSet) Add(m Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.markers[m.ID]; ok {
		s.tree.Delete(old)
	}
	im := &indexedMarker{
		Marker: &m,
		rect:   rtreego.Point{m.Local.X, m.Local.Z}.ToRect(indexTolerance),
	}
	s.tree.Insert(im)
	s.markers[m.ID] = im
}

// Clear drops every marker, as on a mission switch.
func (s *MarkerSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = rtreego.NewTree(indexDimensions, indexMinEntries, indexMaxEntries)
	s.markers = make(map[string]*indexedMarker)
}

// Len returns the number of markers.
func (s *MarkerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markers)
}

// All returns every marker ordered by ID.
func (s *MarkerSet) All() []Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Marker, 0, len(s.markers))
	for _, im := range s.markers {
		out = append(out, *im.Marker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Within returns the markers whose ground distance from the origin is at
// most radius metres, ordered by ID.
func (s *MarkerSet) Within(radius float64) ([]Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bounds, err := rtreego.NewRect(rtreego.Point{-radius, -radius}, []float64{2 * radius, 2 * radius})
	if err != nil {
		return nil, fmt.Errorf("invalid render radius %v: %w", radius, err)
	}
	var out []Marker
	for _, hit := range s.tree.SearchIntersect(bounds) {
		im, ok := hit.(*indexedMarker)
		if !ok {
			continue
		}
		if math.Hypot(im.Local.X, im.Local.Z) <= radius {
			out = append(out, *im.Marker)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
