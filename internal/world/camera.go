package world

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// PerspectiveCamera is fixed at the origin looking down -Z with +Y up.
// The world rotates around it instead of the camera turning.
type PerspectiveCamera struct {
	mu     sync.RWMutex
	fov    float64 // vertical, degrees
	aspect float64
	near   float64
	far    float64
	proj   *mat.Dense
}

// NewPerspectiveCamera validates the frustum and builds its projection.
func NewPerspectiveCamera(fov, aspect, near, far float64) (*PerspectiveCamera, error) {
	proj, err := perspective(fov, aspect, near, far)
	if err != nil {
		return nil, err
	}
	return &PerspectiveCamera{fov: fov, aspect: aspect, near: near, far: far, proj: proj}, nil
}

func perspective(fov, aspect, near, far float64) (*mat.Dense, error) {
	switch {
	case !(fov > 0 && fov < 180):
		return nil, fmt.Errorf("camera fov must be in (0,180), got %v", fov)
	case !(aspect > 0):
		return nil, fmt.Errorf("camera aspect must be positive, got %v", aspect)
	case !(near > 0 && far > near):
		return nil, fmt.Errorf("camera clip planes invalid: near=%v far=%v", near, far)
	}
	f := 1 / math.Tan(fov*math.Pi/360)
	nf := near - far
	return mat.NewDense(4, 4, []float64{
		f / aspect, 0, 0, 0,
		0, f, 0, 0,
		0, 0, (far + near) / nf, 2 * far * near / nf,
		0, 0, -1, 0,
	}), nil
}

// FOV returns the vertical field of view in degrees.
func (c *PerspectiveCamera) FOV() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fov
}

// Aspect returns the viewport aspect ratio.
func (c *PerspectiveCamera) Aspect() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aspect
}

// SetFOV changes the zoom. Invalid values leave the camera unchanged.
func (c *PerspectiveCamera) SetFOV(fov float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	proj, err := perspective(fov, c.aspect, c.near, c.far)
	if err != nil {
		return err
	}
	c.fov, c.proj = fov, proj
	return nil
}

// SetAspect follows a viewport resize.
func (c *PerspectiveCamera) SetAspect(aspect float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	proj, err := perspective(c.fov, aspect, c.near, c.far)
	if err != nil {
		return err
	}
	c.aspect, c.proj = aspect, proj
	return nil
}

// Projection returns a copy of the 4x4 projection matrix.
func (c *PerspectiveCamera) Projection() *mat.Dense {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mat.DenseCopyOf(c.proj)
}

// Project maps a camera-space point to normalised device coordinates.
// Points on or behind the camera plane come back with Z > 1.
func (c *PerspectiveCamera) Project(v r3.Vec) r3.Vec {
	c.mu.RLock()
	var out mat.VecDense
	out.MulVec(c.proj, mat.NewVecDense(4, []float64{v.X, v.Y, v.Z, 1}))
	c.mu.RUnlock()

	w := out.AtVec(3)
	if w <= 0 {
		return r3.Vec{X: 0, Y: 0, Z: math.Inf(1)}
	}
	return r3.Vec{X: out.AtVec(0) / w, Y: out.AtVec(1) / w, Z: out.AtVec(2) / w}
}
