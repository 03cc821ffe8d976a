package tracking

import (
	"encoding/json"
	"fmt"
	"math"
)

// Box is an axis-aligned rectangle in frame pixels, origin top-left.
type Box struct {
	X, Y, W, H float64
}

// MarshalJSON encodes the box as [x, y, w, h].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X, b.Y, b.W, b.H})
}

// UnmarshalJSON accepts the [x, y, w, h] array form.
func (b *Box) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	if len(v) != 4 {
		return fmt.Errorf("bbox: expected 4 values, got %d", len(v))
	}
	*b = Box{X: v[0], Y: v[1], W: v[2], H: v[3]}
	return nil
}

// Center returns the box centre.
func (b Box) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Lerp moves b toward target by factor t in [0,1].
func (b Box) Lerp(target Box, t float64) Box {
	return Box{
		X: b.X + (target.X-b.X)*t,
		Y: b.Y + (target.Y-b.Y)*t,
		W: b.W + (target.W-b.W)*t,
		H: b.H + (target.H-b.H)*t,
	}
}

// IoU returns intersection over union of two boxes, 0 when the union is
// empty.
func IoU(a, b Box) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.X+a.W, b.X+b.W)
	y2 := math.Min(a.Y+a.H, b.Y+b.H)

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
