package world

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// rayCastHeight is where ground probes start, well above any marker.
const rayCastHeight = 50.0

// GroundPlane is a finite horizontal plane centred on the world origin.
type GroundPlane struct {
	Y      float64
	Extent float64 // side length, metres
}

// Raycast intersects a ray with the plane. It reports false when the ray is
// parallel, points away, or lands outside the plane's extent.
func (g GroundPlane) Raycast(origin, dir r3.Vec) (r3.Vec, bool) {
	if math.Abs(dir.Y) < 1e-12 {
		return r3.Vec{}, false
	}
	t := (g.Y - origin.Y) / dir.Y
	if t < 0 {
		return r3.Vec{}, false
	}
	hit := r3.Add(origin, r3.Scale(t, dir))
	half := g.Extent / 2
	if math.Abs(hit.X) > half || math.Abs(hit.Z) > half {
		return r3.Vec{}, false
	}
	return hit, true
}
