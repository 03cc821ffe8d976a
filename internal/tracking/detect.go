package tracking

import "math"

const (
	minDepthM = 0.5
	maxDepthM = 30.0
)

// EstimateDepth guesses range from apparent box height: an object filling
// the frame height is half a metre away. Clamped to [0.5, 30] m.
func EstimateDepth(heightPx, frameH float64) float64 {
	if frameH <= 0 || heightPx <= 0 {
		return maxDepthM
	}
	d := 0.5 / (heightPx / frameH)
	return math.Max(minDepthM, math.Min(d, maxDepthM))
}

// ScaleDetections maps boxes from the square model input back to frame
// pixels and fills in the depth estimate.
func ScaleDetections(raw []Detection, inputSize int, frameW, frameH float64) []Detection {
	if inputSize <= 0 {
		return nil
	}
	sx := frameW / float64(inputSize)
	sy := frameH / float64(inputSize)
	out := make([]Detection, 0, len(raw))
	for _, d := range raw {
		b := Box{X: d.BBox.X * sx, Y: d.BBox.Y * sy, W: d.BBox.W * sx, H: d.BBox.H * sy}
		out = append(out, Detection{
			Class:     d.Class,
			Score:     d.Score,
			BBox:      b,
			DistanceM: EstimateDepth(b.H, frameH),
		})
	}
	return out
}

// CentralTarget returns the object whose box centre is closest to the frame
// centre, or false when objs is empty.
func CentralTarget(objs []SmoothedObject, frameW, frameH float64) (SmoothedObject, bool) {
	cx, cy := frameW/2, frameH/2
	best := -1
	bestDist := math.Inf(1)
	for i, o := range objs {
		bx, by := o.BBox.Center()
		if d := math.Hypot(bx-cx, by-cy); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return SmoothedObject{}, false
	}
	return objs[best], true
}
