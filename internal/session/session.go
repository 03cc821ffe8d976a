// Package session runs one AR session: the render loop that turns fused
// sensor state into overlay frames, the inference loop that feeds the
// tracker and the capture triggers, and the nearby-records world data.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fieldlog/internal/capture"
	"github.com/banshee-data/fieldlog/internal/config"
	"github.com/banshee-data/fieldlog/internal/fusion"
	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/projection"
	"github.com/banshee-data/fieldlog/internal/records"
	"github.com/banshee-data/fieldlog/internal/timeutil"
	"github.com/banshee-data/fieldlog/internal/tracking"
	"github.com/banshee-data/fieldlog/internal/world"
)

// ErrDisposed is returned by operations on a disposed session.
var ErrDisposed = errors.New("session disposed")

// Config holds the loop rates and world-data settings.
type Config struct {
	InferenceInterval time.Duration
	RenderInterval    time.Duration
	AutoHideAfter     time.Duration
	NearbyRadiusM     float64
	MarkerRadiusM     float64
	InputSize         int
	MinScore          float64
	DetectTimeout     time.Duration
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		InferenceInterval: cfg.GetInferenceInterval(),
		RenderInterval:    cfg.GetRenderInterval(),
		AutoHideAfter:     cfg.GetAutoHideAfter(),
		NearbyRadiusM:     cfg.GetNearbyRadiusM(),
		MarkerRadiusM:     cfg.GetMarkerRadiusM(),
		InputSize:         cfg.GetDetectionInputSize(),
		MinScore:          cfg.GetMinDetectionScore(),
		DetectTimeout:     2 * time.Second,
	}
}

// Deps are the collaborators a session needs. Records, Detector and Frames
// are required.
type Deps struct {
	Records  records.Client
	Enricher records.Enricher
	Detector Detector
	Frames   FrameSource
	Notifier capture.Notifier
	Clock    timeutil.Clock
}

// FrameState is what the overlay draws for one render tick.
type FrameState struct {
	Seq          uint64                 `json:"seq"`
	At           time.Time              `json:"at"`
	Heading      float64                `json:"heading"`
	Corrected    float64                `json:"corrected_heading"`
	RotationY    float64                `json:"rotation_y"`
	Position     *geo.Position          `json:"position,omitempty"`
	GPSStatus    fusion.Status          `json:"gps_status"`
	Scan         world.ScanState        `json:"scan"`
	Labels       []projection.Label     `json:"labels"`
	Boxes        []projection.ScreenBox `json:"boxes"`
	EnergySaving bool                   `json:"energy_saving"`
}

// Session owns every per-session component. Start it once, Dispose it once.
type Session struct {
	id       string
	cfg      Config
	clock    timeutil.Clock
	notifier capture.Notifier
	records  records.Client
	detector Detector
	frames   FrameSource
	vpMu     sync.RWMutex
	viewport projection.Viewport

	fusion   *fusion.Engine
	world    *world.Controller
	tracker  *tracking.Tracker
	mission  *capture.Mission
	sentinel *capture.Sentinel
	autoSave *capture.AutoSave
	placer   *capture.Placer

	running      atomic.Bool
	disposed     atomic.Bool
	busy         atomic.Bool
	paused       atomic.Bool
	energySaving atomic.Bool
	seq          atomic.Uint64

	timerMu  sync.Mutex
	autoHide timeutil.Timer

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	frameOut chan FrameState
}

// New wires a session for a viewport of the given size. Nothing runs until
// Start.
func New(tuning *config.TuningConfig, vp projection.Viewport, deps Deps) (*Session, error) {
	switch {
	case deps.Records == nil:
		return nil, errors.New("session: records client is required")
	case deps.Detector == nil:
		return nil, errors.New("session: detector is required")
	case deps.Frames == nil:
		return nil, errors.New("session: frame source is required")
	case !(vp.W > 0 && vp.H > 0):
		return nil, fmt.Errorf("session: invalid viewport %vx%v", vp.W, vp.H)
	}
	cfg := ConfigFromTuning(tuning)
	if cfg.InferenceInterval <= 0 || cfg.RenderInterval <= 0 {
		return nil, fmt.Errorf("session: loop intervals must be positive")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Notifier == nil {
		deps.Notifier = capture.NotifierFunc(func(capture.Toast) {})
	}

	engine, err := fusion.NewEngine(fusion.ConfigFromTuning(tuning), deps.Clock)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	wc, err := world.NewController(world.ConfigFromTuning(tuning), vp.W/vp.H)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	tracker, err := tracking.NewTracker(tracking.TrackerConfigFromTuning(tuning))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		clock:    deps.Clock,
		notifier: deps.Notifier,
		records:  deps.Records,
		detector: deps.Detector,
		frames:   deps.Frames,
		viewport: vp,
		fusion:   engine,
		world:    wc,
		tracker:  tracker,
		mission:  &capture.Mission{},
		frameOut: make(chan FrameState, 1),
	}

	env := capture.Env{
		Records:  deps.Records,
		Location: engine,
		Heading:  wc,
		Frames:   deps.Frames,
		Enricher: deps.Enricher,
		Notifier: deps.Notifier,
		Mission:  s.mission,
		Clock:    deps.Clock,
		OnSaved:  s.addRecord,
	}
	if s.sentinel, err = capture.NewSentinel(capture.SentinelConfigFromTuning(tuning), env); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if s.autoSave, err = capture.NewAutoSave(capture.AutoSaveConfigFromTuning(tuning), env); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if s.placer, err = capture.NewPlacerFromTuning(tuning, env); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return s, nil
}

// ID is the session's unique id.
func (s *Session) ID() string { return s.id }

// Fusion returns the sensor fusion engine that sensor events feed.
func (s *Session) Fusion() *fusion.Engine { return s.fusion }

// World returns the world frame controller.
func (s *Session) World() *world.Controller { return s.world }

// Tracker returns the object tracker.
func (s *Session) Tracker() *tracking.Tracker { return s.tracker }

// Sentinel returns the continuous capture trigger.
func (s *Session) Sentinel() *capture.Sentinel { return s.sentinel }

// AutoSave returns the central-target capture trigger.
func (s *Session) AutoSave() *capture.AutoSave { return s.autoSave }

// Placer returns the manual marker and teach flows.
func (s *Session) Placer() *capture.Placer { return s.placer }

// Frames delivers the newest FrameState each render tick. Unread frames are
// replaced, not queued. Meant for a single consumer.
func (s *Session) Frames() <-chan FrameState { return s.frameOut }

// Running reports whether the loops are live.
func (s *Session) Running() bool { return s.running.Load() }

// Start launches fusion, the render loop and the inference loop.
func (s *Session) Start(ctx context.Context) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.world.Start(); err != nil {
		s.running.Store(false)
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.fusion.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.renderLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.inferenceLoop(ctx)
	}()
	monitoring.Logf("[Session %s] started", s.id[:8])
	return nil
}

// Viewport returns the current screen size.
func (s *Session) Viewport() projection.Viewport {
	s.vpMu.RLock()
	defer s.vpMu.RUnlock()
	return s.viewport
}

// Resize follows a screen rotation or resize: labels and boxes are laid out
// for vp and the camera takes its aspect ratio.
func (s *Session) Resize(vp projection.Viewport) error {
	if !(vp.W > 0 && vp.H > 0) {
		return fmt.Errorf("session: invalid viewport %vx%v", vp.W, vp.H)
	}
	if err := s.world.Camera().SetAspect(vp.W / vp.H); err != nil {
		return err
	}
	s.vpMu.Lock()
	s.viewport = vp
	s.vpMu.Unlock()
	return nil
}

// Pause stops feeding the detector and clears the box overlay; tracks are
// kept for Resume.
func (s *Session) Pause() { s.paused.Store(true) }

// Resume undoes Pause.
func (s *Session) Resume() { s.paused.Store(false) }

// Paused reports whether inference is paused.
func (s *Session) Paused() bool { return s.paused.Load() }

// SetMission switches the active mission and drops the markers of the
// previous one.
func (s *Session) SetMission(id string) {
	s.mission.Set(id)
	s.world.Markers().Clear()
	monitoring.Logf("[Session %s] mission %q", s.id[:8], id)
}

// Mission returns the active mission id, nil when there is none.
func (s *Session) Mission() *string { return s.mission.ID() }

func (s *Session) notify(msg string, d time.Duration, code string) {
	s.notifier.Notify(capture.Toast{Message: msg, Duration: d, Code: code})
}

func (s *Session) renderLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.RenderInterval)
	defer ticker.Stop()
	last := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			if !s.running.Load() {
				return
			}
			dt := now.Sub(last)
			last = now
			s.offer(s.renderFrame(now, dt))
		}
	}
}

// renderFrame advances the world by dt and builds the overlay state.
func (s *Session) renderFrame(now time.Time, dt time.Duration) FrameState {
	heading := s.fusion.Heading().Degrees
	s.world.SetHeading(heading)
	s.world.Tick(dt)

	fs := FrameState{
		Seq:          s.seq.Add(1),
		At:           now,
		Heading:      heading,
		Corrected:    s.world.CorrectedHeading(),
		RotationY:    s.world.RotationY(),
		Scan:         s.world.Scan(),
		EnergySaving: s.energySaving.Load(),
	}
	fs.GPSStatus, _ = s.fusion.Status()
	var user *geo.Position
	if pos, ok := s.fusion.Position(); ok {
		user = &pos
		fs.Position = &pos
	}

	vp := s.Viewport()
	if !fs.EnergySaving {
		markers, err := s.world.Markers().Within(s.cfg.MarkerRadiusM)
		if err != nil {
			monitoring.Warnf("[Session %s] marker cull: %v", s.id[:8], err)
		}
		fs.Labels = projection.ProjectMarkers(markers, s.world, vp, user)
	}

	// Paused inference would leave stale boxes on screen; clear the overlay.
	if !s.paused.Load() {
		w, h := s.frames.Size()
		fs.Boxes = projection.ProjectBoxes(s.tracker.SmoothedObjects(), w, h, vp)
	}
	return fs
}

func (s *Session) offer(fs FrameState) {
	select {
	case <-s.frameOut:
	default:
	}
	select {
	case s.frameOut <- fs:
	default:
	}
}

func (s *Session) inferenceLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.InferenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !s.running.Load() {
				return
			}
			s.inferenceTick(ctx)
		}
	}
}

// inferenceTick starts one detector run unless inference is paused or the
// previous run is still going.
func (s *Session) inferenceTick(ctx context.Context) bool {
	if s.paused.Load() {
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		monitoring.InferenceSkipped.Inc()
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.runInference(ctx)
	}()
	return true
}

func (s *Session) runInference(ctx context.Context) {
	monitoring.InferenceTicks.Inc()
	start := s.clock.Now()
	raw, err := s.detect(ctx)
	monitoring.InferenceDurationMs.Observe(float64(s.clock.Since(start).Microseconds()) / 1000)
	if err != nil {
		monitoring.InferenceFailures.Inc()
		if ctx.Err() == nil {
			monitoring.Warnf("[Session %s] detector: %v", s.id[:8], err)
		}
		raw = nil
	}
	if !s.running.Load() {
		return
	}

	w, h := s.frames.Size()
	dets := tracking.ScaleDetections(raw, s.cfg.InputSize, w, h)
	kept := dets[:0]
	for _, d := range dets {
		if d.Score >= s.cfg.MinScore {
			kept = append(kept, d)
		}
	}
	s.tracker.Update(kept)
	monitoring.TrackedObjects.Set(float64(s.tracker.Len()))

	// Triggers read the visual state; interpolation belongs to the render tick.
	objs := s.tracker.Snapshot()
	s.sentinel.Process(objs)
	s.autoSave.Process(objs, w, h)
}

// detect calls the detector, turning a panic into an error.
func (s *Session) detect(ctx context.Context) (dets []tracking.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets, err = nil, fmt.Errorf("detector panic: %v", r)
		}
	}()
	if s.cfg.DetectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DetectTimeout)
		defer cancel()
	}
	return s.detector.Detect(ctx)
}

// Dispose stops both loops and fusion, cancels the auto-hide timer, waits
// for in-flight work, and releases the camera. Safe to call more than once.
func (s *Session) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	s.fusion.Stop()

	s.timerMu.Lock()
	if s.autoHide != nil {
		s.autoHide.Stop()
		s.autoHide = nil
	}
	s.timerMu.Unlock()

	s.wg.Wait()
	s.sentinel.Close()
	s.autoSave.Close()
	s.world.Dispose()
	if err := s.frames.Close(); err != nil {
		monitoring.Warnf("[Session %s] closing camera: %v", s.id[:8], err)
	}
	monitoring.Logf("[Session %s] disposed", s.id[:8])
}
