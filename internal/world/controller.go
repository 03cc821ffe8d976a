// Package world maintains the compass-stabilised 3D frame that markers are
// anchored in: its rotation, the scan pulse, the virtual ground and the
// camera that renders it.
package world

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fieldlog/internal/config"
	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
)

// ErrDisposed is returned by operations on a disposed controller.
var ErrDisposed = errors.New("world: controller disposed")

// State is the controller lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config holds the world frame constants.
type Config struct {
	RotationLerp  float64 // fraction of the remaining rotation applied per tick
	ScanSpeedMPS  float64
	ScanMaxRangeM float64
	GroundY       float64
	GroundExtentM float64
	FOV           float64
	Near          float64
	Far           float64
}

// DefaultConfig returns the built-in world constants.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		RotationLerp:  cfg.GetRotationLerp(),
		ScanSpeedMPS:  cfg.GetScanSpeedMPS(),
		ScanMaxRangeM: cfg.GetScanMaxRangeM(),
		GroundY:       cfg.GetGroundY(),
		GroundExtentM: cfg.GetGroundExtentM(),
		FOV:           cfg.GetCameraFOV(),
		Near:          0.1,
		Far:           1000,
	}
}

// Object3D is anything positioned in world-group space.
type Object3D struct {
	X, Y, Z float64
}

// ScanState is the scan pulse ring.
type ScanState struct {
	RadiusM float64 `json:"radius_m"`
	Active  bool    `json:"active"`
}

// Controller owns the world group rotation, the scan pulse and the camera.
type Controller struct {
	cfg Config

	mu            sync.Mutex
	state         State
	rotY          float64
	heading       float64
	headingOffset float64
	scan          ScanState
	ground        GroundPlane
	camera        *PerspectiveCamera
	markers       *MarkerSet
}

// NewController builds an uninitialised controller for a viewport of the
// given aspect ratio.
func NewController(cfg Config, aspect float64) (*Controller, error) {
	if cfg.RotationLerp < 0 || cfg.RotationLerp > 1 {
		return nil, fmt.Errorf("rotation lerp must be in [0,1], got %v", cfg.RotationLerp)
	}
	cam, err := NewPerspectiveCamera(cfg.FOV, aspect, cfg.Near, cfg.Far)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:     cfg,
		ground:  GroundPlane{Y: cfg.GroundY, Extent: cfg.GroundExtentM},
		camera:  cam,
		markers: NewMarkerSet(),
	}, nil
}

// Start moves the controller to Running.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateDisposed:
		return ErrDisposed
	case StateRunning:
		return nil
	}
	c.state = StateRunning
	monitoring.Logf("[World] running")
	return nil
}

// Dispose stops the controller for good and drops its markers.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return
	}
	c.state = StateDisposed
	c.scan = ScanState{}
	c.markers.Clear()
	monitoring.Logf("[World] disposed")
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetHeading sets the fused compass heading in degrees.
func (c *Controller) SetHeading(deg float64) {
	c.mu.Lock()
	c.heading = deg
	c.mu.Unlock()
}

// SetHeadingOffset sets the user calibration offset in degrees.
func (c *Controller) SetHeadingOffset(deg float64) {
	c.mu.Lock()
	c.headingOffset = deg
	c.mu.Unlock()
}

// HeadingOffset returns the calibration offset in degrees.
func (c *Controller) HeadingOffset() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headingOffset
}

// CorrectedHeading returns heading plus calibration offset, in [0, 360).
func (c *Controller) CorrectedHeading() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return geo.NormalizeDegrees(c.heading + c.headingOffset)
}

// Tick advances the rotation lerp and scan pulse by dt. It does nothing
// unless the controller is running.
func (c *Controller) Tick(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return
	}

	target := -(c.heading + c.headingOffset) * math.Pi / 180
	diff := geo.NormalizeRadians(target - c.rotY)
	c.rotY = geo.NormalizeRadians(c.rotY + diff*c.cfg.RotationLerp)

	if c.scan.Active {
		c.scan.RadiusM += c.cfg.ScanSpeedMPS * dt.Seconds()
		if c.scan.RadiusM > c.cfg.ScanMaxRangeM {
			c.scan = ScanState{}
		}
	}
}

// RotationY returns the world group yaw in radians.
func (c *Controller) RotationY() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotY
}

// TriggerScan restarts the scan pulse from the user's feet.
func (c *Controller) TriggerScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return
	}
	c.scan = ScanState{RadiusM: 0, Active: true}
}

// Scan returns the current scan pulse.
func (c *Controller) Scan() ScanState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scan
}

// ClampToGround drops obj onto the virtual floor: a ray is cast straight
// down from high above obj. Outside the floor it falls back to the floor
// height.
func (c *Controller) ClampToGround(obj *Object3D) {
	origin := r3.Vec{X: obj.X, Y: rayCastHeight, Z: obj.Z}
	if hit, ok := c.ground.Raycast(origin, r3.Vec{Y: -1}); ok {
		obj.Y = hit.Y
		return
	}
	obj.Y = c.cfg.GroundY
}

// Camera returns the render camera.
func (c *Controller) Camera() *PerspectiveCamera {
	return c.camera
}

// Markers returns the anchored marker set.
func (c *Controller) Markers() *MarkerSet {
	return c.markers
}

// ToCamera rotates a world-group point into camera space.
func (c *Controller) ToCamera(local r3.Vec) r3.Vec {
	c.mu.Lock()
	theta := c.rotY
	c.mu.Unlock()
	sin, cos := math.Sincos(theta)
	return r3.Vec{
		X: cos*local.X + sin*local.Z,
		Y: local.Y,
		Z: -sin*local.X + cos*local.Z,
	}
}

// WorldToNDC projects a world-group point to normalised device coordinates.
func (c *Controller) WorldToNDC(local r3.Vec) r3.Vec {
	return c.camera.Project(c.ToCamera(local))
}
