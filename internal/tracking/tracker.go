package tracking

import (
	"fmt"
	"sync"

	"github.com/banshee-data/fieldlog/internal/config"
)

// TrackerConfig holds configuration parameters for the object tracker.
type TrackerConfig struct {
	IoUThreshold     float64 // Minimum IoU (exclusive) for a detection to continue a track
	MaxMissingFrames int     // Consecutive missed updates before a track is pruned
	LerpFactor       float64 // Fraction of the logical/visual gap closed per smoothing call
	MeasurementNoise float64 // Kalman R per box axis
	ProcessNoise     float64 // Kalman Q per box axis
}

// DefaultTrackerConfig returns the built-in tracker defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfigFromTuning(config.EmptyTuningConfig())
}

// TrackerConfigFromTuning builds a TrackerConfig from a loaded TuningConfig.
func TrackerConfigFromTuning(cfg *config.TuningConfig) TrackerConfig {
	return TrackerConfig{
		IoUThreshold:     cfg.GetIoUThreshold(),
		MaxMissingFrames: cfg.GetMaxMissingFrames(),
		LerpFactor:       cfg.GetVisualLerpFactor(),
		MeasurementNoise: cfg.GetKalmanMeasureNoise(),
		ProcessNoise:     cfg.GetKalmanProcessNoise(),
	}
}

// Detection is one classifier output for a single inference tick.
type Detection struct {
	Class     string  `json:"class"`
	Score     float64 `json:"score"`
	BBox      Box     `json:"bbox"`
	DistanceM float64 `json:"distance"`
}

// TrackedObject is a detection followed across inference ticks. Logical is
// the Kalman estimate; Visual is what gets drawn and only ever moves by
// interpolation toward Logical.
type TrackedObject struct {
	ID        int
	Class     string
	Score     float64
	DistanceM float64
	Logical   Box
	Visual    Box
	VisualDM  float64
	Missing   int
	Hits      int

	kx, ky, kw, kh *KalmanFilter1D
	matched        bool
}

// SmoothedObject is an immutable per-frame snapshot of a track.
type SmoothedObject struct {
	ID int `json:"id"`
	Detection
}

// Tracker associates detections to tracks by IoU and smooths their boxes.
type Tracker struct {
	config      TrackerConfig
	tracks      []*TrackedObject // ordered by ID
	nextTrackID int
	mu          sync.RWMutex
}

// NewTracker validates cfg and returns an empty tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.MaxMissingFrames < 1 {
		return nil, fmt.Errorf("max missing frames must be at least 1, got %d", cfg.MaxMissingFrames)
	}
	if cfg.LerpFactor < 0 || cfg.LerpFactor > 1 {
		return nil, fmt.Errorf("lerp factor must be in [0,1], got %v", cfg.LerpFactor)
	}
	if _, err := NewKalmanFilter1D(cfg.MeasurementNoise, cfg.ProcessNoise); err != nil {
		return nil, err
	}
	return &Tracker{config: cfg, nextTrackID: 1}, nil
}

// Update processes one inference tick. The whole update happens under the
// tracker lock so readers never observe a partially applied tick.
func (t *Tracker) Update(detections []Detection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, track := range t.tracks {
		track.matched = false
	}

	// Step 1: associate each detection with the best unmatched same-class track.
	for _, det := range detections {
		var best *TrackedObject
		bestIoU := 0.0
		for _, track := range t.tracks {
			if track.matched || track.Class != det.Class {
				continue
			}
			if iou := IoU(track.Logical, det.BBox); iou > bestIoU {
				best, bestIoU = track, iou
			}
		}

		if best != nil && bestIoU > t.config.IoUThreshold {
			// Step 2: update matched track through its filters.
			best.Logical = Box{
				X: best.kx.Filter(det.BBox.X),
				Y: best.ky.Filter(det.BBox.Y),
				W: best.kw.Filter(det.BBox.W),
				H: best.kh.Filter(det.BBox.H),
			}
			best.Score = det.Score
			best.DistanceM = det.DistanceM
			best.Missing = 0
			best.Hits++
			best.matched = true
			continue
		}

		// Step 3: initialise a new track.
		t.tracks = append(t.tracks, t.initTrack(det))
	}

	// Step 4: age unmatched tracks and prune the stale ones.
	kept := t.tracks[:0]
	for _, track := range t.tracks {
		if !track.matched {
			track.Missing++
		}
		if track.Missing >= t.config.MaxMissingFrames {
			continue
		}
		kept = append(kept, track)
	}
	for i := len(kept); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = kept
}

func (t *Tracker) initTrack(det Detection) *TrackedObject {
	newFilter := func(z float64) *KalmanFilter1D {
		// Noise values were validated by NewTracker.
		k, _ := NewKalmanFilter1D(t.config.MeasurementNoise, t.config.ProcessNoise)
		k.Filter(z)
		return k
	}
	track := &TrackedObject{
		ID:        t.nextTrackID,
		Class:     det.Class,
		Score:     det.Score,
		DistanceM: det.DistanceM,
		Logical:   det.BBox,
		Visual:    det.BBox,
		VisualDM:  det.DistanceM,
		Hits:      1,
		kx:        newFilter(det.BBox.X),
		ky:        newFilter(det.BBox.Y),
		kw:        newFilter(det.BBox.W),
		kh:        newFilter(det.BBox.H),
		matched:   true,
	}
	t.nextTrackID++
	return track
}

// SmoothedObjects advances every track's visual box one interpolation step
// toward its logical box and returns snapshots ordered by track ID.
func (t *Tracker) SmoothedObjects() []SmoothedObject {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]SmoothedObject, 0, len(t.tracks))
	f := t.config.LerpFactor
	for _, track := range t.tracks {
		track.Visual = track.Visual.Lerp(track.Logical, f)
		track.VisualDM += (track.DistanceM - track.VisualDM) * f
		out = append(out, SmoothedObject{
			ID: track.ID,
			Detection: Detection{
				Class:     track.Class,
				Score:     track.Score,
				BBox:      track.Visual,
				DistanceM: track.VisualDM,
			},
		})
	}
	return out
}

// Snapshot returns the current visual state of every track without
// advancing interpolation. Only the render tick moves visual boxes.
func (t *Tracker) Snapshot() []SmoothedObject {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SmoothedObject, 0, len(t.tracks))
	for _, track := range t.tracks {
		out = append(out, SmoothedObject{
			ID: track.ID,
			Detection: Detection{
				Class:     track.Class,
				Score:     track.Score,
				BBox:      track.Visual,
				DistanceM: track.VisualDM,
			},
		})
	}
	return out
}

// Tracks returns copies of the live tracks, ordered by ID, without
// advancing interpolation.
func (t *Tracker) Tracks() []TrackedObject {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TrackedObject, 0, len(t.tracks))
	for _, track := range t.tracks {
		cp := *track
		cp.kx, cp.ky, cp.kw, cp.kh = nil, nil, nil, nil
		out = append(out, cp)
	}
	return out
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tracks)
}

// Reset drops every track. IDs keep increasing across resets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = nil
}
