// Package projection maps anchored markers and tracked boxes onto the
// screen overlay.
package projection

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/tracking"
	"github.com/banshee-data/fieldlog/internal/world"
)

const (
	unknownDistanceM = 1000.0
	labelScaleRef    = 60.0
	labelScaleMin    = 0.8
	labelScaleMax    = 1.5
	maxZIndex        = 1000
)

// NDCProjector turns a world-group point into normalised device
// coordinates. *world.Controller satisfies it.
type NDCProjector interface {
	WorldToNDC(local r3.Vec) r3.Vec
}

// Viewport is the overlay size in CSS pixels.
type Viewport struct {
	W, H float64
}

// Label is the overlay state of one marker for one frame. Hidden labels
// carry only their identity.
type Label struct {
	MarkerID  string  `json:"id"`
	Visible   bool    `json:"visible"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Scale     float64 `json:"scale,omitempty"`
	ZIndex    int     `json:"z_index,omitempty"`
	Text      string  `json:"text,omitempty"`
	DistanceM float64 `json:"distance_m,omitempty"`
	Color     uint32  `json:"color,omitempty"`
}

// ProjectMarkers computes the label of every marker. user may be nil when
// there is no fix, in which case every distance reads as 1000 m.
func ProjectMarkers(markers []world.Marker, p NDCProjector, vp Viewport, user *geo.Position) []Label {
	hw, hh := vp.W/2, vp.H/2
	out := make([]Label, 0, len(markers))
	for _, m := range markers {
		ndc := p.WorldToNDC(m.Local)
		x := ndc.X*hw + hw
		y := -ndc.Y*hh + hh

		if !(ndc.Z < 1 && x > 0 && x < vp.W && y > 0 && y < vp.H) {
			out = append(out, Label{MarkerID: m.ID})
			continue
		}

		dist := unknownDistanceM
		if user != nil {
			dist = geo.DistanceMeters(user.Lat, user.Lng, m.Lat, m.Lng)
		}
		out = append(out, Label{
			MarkerID:  m.ID,
			Visible:   true,
			X:         x,
			Y:         y,
			Scale:     math.Max(labelScaleMin, math.Min(labelScaleMax, labelScaleRef/dist)),
			ZIndex:    max(0, maxZIndex-int(math.Floor(dist))),
			Text:      fmt.Sprintf("%s\n%.0fm", m.Title, dist),
			DistanceM: dist,
			Color:     m.Color,
		})
	}
	return out
}

// ScreenBox is a detection box in overlay pixels.
type ScreenBox struct {
	ID    int          `json:"id"`
	Class string       `json:"class"`
	Score float64      `json:"score"`
	Box   tracking.Box `json:"bbox"`
}

// ProjectBoxes maps boxes from source-frame pixels onto a viewport that
// shows the frame scaled to cover it and centred. It returns nil when the
// source size is unknown.
func ProjectBoxes(objs []tracking.SmoothedObject, srcW, srcH float64, vp Viewport) []ScreenBox {
	if srcW <= 0 || srcH <= 0 {
		return nil
	}
	scale := math.Max(vp.W/srcW, vp.H/srcH)
	offX := (vp.W - srcW*scale) / 2
	offY := (vp.H - srcH*scale) / 2

	out := make([]ScreenBox, 0, len(objs))
	for _, o := range objs {
		out = append(out, ScreenBox{
			ID:    o.ID,
			Class: o.Class,
			Score: o.Score,
			Box: tracking.Box{
				X: o.BBox.X*scale + offX,
				Y: o.BBox.Y*scale + offY,
				W: o.BBox.W * scale,
				H: o.BBox.H * scale,
			},
		})
	}
	return out
}
