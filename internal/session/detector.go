package session

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/fieldlog/internal/tracking"
)

// ErrFrameUnavailable is returned by a FrameSource that has no frame yet.
var ErrFrameUnavailable = errors.New("no camera frame available")

// Detector runs the classifier on the current frame. Boxes are in model
// input pixels (a square of InputSize).
type Detector interface {
	Detect(ctx context.Context) ([]tracking.Detection, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context) ([]tracking.Detection, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context) ([]tracking.Detection, error) { return f(ctx) }

// FrameSource is the camera: its current frame size, a still capture, and
// the stream to release on dispose.
type FrameSource interface {
	Size() (w, h float64)
	CaptureFrame() (string, error)
	Close() error
}

// RemoteFeed is both Detector and FrameSource for a phone that runs the
// model itself and streams results. Detect hands out each pushed batch
// once; between pushes it reports no detections.
type RemoteFeed struct {
	mu       sync.Mutex
	pending  []tracking.Detection
	w, h     float64
	snapshot string
	closed   bool
}

// NewRemoteFeed returns an empty feed.
func NewRemoteFeed() *RemoteFeed {
	return &RemoteFeed{}
}

// PushDetections queues raw detections for the next inference tick and
// records the frame size they were taken on.
func (f *RemoteFeed) PushDetections(dets []tracking.Detection, frameW, frameH float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending[:0], dets...)
	if frameW > 0 && frameH > 0 {
		f.w, f.h = frameW, frameH
	}
}

// PushSnapshot replaces the still image returned by CaptureFrame.
func (f *RemoteFeed) PushSnapshot(dataURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = dataURL
}

func (f *RemoteFeed) Detect(ctx context.Context) ([]tracking.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *RemoteFeed) Size() (float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w, f.h
}

func (f *RemoteFeed) CaptureFrame() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.snapshot == "" {
		return "", ErrFrameUnavailable
	}
	return f.snapshot, nil
}

func (f *RemoteFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.pending = nil
	f.snapshot = ""
	return nil
}
