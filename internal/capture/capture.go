// Package capture decides when a live detection becomes a stored record.
// Two triggers watch the tracker output: the sentinel logs every confident
// detection, auto-save keeps only the target in the centre of the frame.
// Both are gated per class by a cooldown that is taken before any slow work
// and handed back when the save fails. The manual and teach flows place a
// record on user request.
package capture

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/records"
	"github.com/banshee-data/fieldlog/internal/timeutil"
)

// Error codes surfaced to the user when a capture fails.
const (
	CodeAPI     = "ERR-API"
	CodeNet     = "ERR-NET"
	CodeGPS     = "ERR-GPS"
	CodeFrame   = "ERR-CROP"
	CodeUnknown = "ERR-UNK"
)

var (
	// ErrNoFix is returned when a flow needs a position and there is none.
	ErrNoFix = errors.New("no GPS location")
	// ErrFrameCapture wraps a failed still capture.
	ErrFrameCapture = errors.New("frame capture failed")
	// ErrPersistence wraps a save the backend refused.
	ErrPersistence = errors.New("persistence failed")
)

// isoMillis matches the timestamps the phone client sends.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

const defaultSubmitTimeout = 15 * time.Second

// ErrorCode classifies err into one of the Code constants.
func ErrorCode(err error) string {
	var (
		ue *url.Error
		ne net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPersistence):
		return CodeAPI
	case errors.Is(err, ErrNoFix), errors.Is(err, geo.ErrPolarSingularity):
		return CodeGPS
	case errors.Is(err, ErrFrameCapture):
		return CodeFrame
	case errors.As(err, &ue), errors.As(err, &ne), errors.Is(err, context.DeadlineExceeded):
		return CodeNet
	}
	return CodeUnknown
}

// Toast is a short user-facing notice. A zero Duration stays up until the
// next toast replaces it.
type Toast struct {
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
	Code     string        `json:"code,omitempty"`
}

// Notifier shows toasts.
type Notifier interface {
	Notify(t Toast)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Toast)

// Notify implements Notifier.
func (f NotifierFunc) Notify(t Toast) { f(t) }

// FrameGrabber captures the current camera frame as a base64 JPEG data URL.
type FrameGrabber interface {
	CaptureFrame() (string, error)
}

// Locator reports the smoothed device position, false without a fix.
type Locator interface {
	Position() (geo.Position, bool)
}

// HeadingSource reports the calibrated heading in degrees.
type HeadingSource interface {
	CorrectedHeading() float64
}

// Mission holds the active mission id, if any.
type Mission struct {
	mu sync.RWMutex
	id string
}

// Set makes id the active mission. An empty id clears it.
func (m *Mission) Set(id string) {
	m.mu.Lock()
	m.id = id
	m.mu.Unlock()
}

// ID returns the active mission id, nil when there is none.
func (m *Mission) ID() *string {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.id == "" {
		return nil
	}
	id := m.id
	return &id
}

// Env is what the capture flows need from the rest of the session. Records
// and Location are required; the rest may be nil.
type Env struct {
	Records  records.Client
	Location Locator
	Heading  HeadingSource
	Frames   FrameGrabber
	Enricher records.Enricher
	Notifier Notifier
	Mission  *Mission
	Clock    timeutil.Clock
	// OnSaved is called with every record the flows persist.
	OnSaved func(records.Record)
	// SubmitTimeout bounds one persistence call.
	SubmitTimeout time.Duration
}

func (e Env) validate() error {
	switch {
	case e.Records == nil:
		return errors.New("capture: records client is required")
	case e.Location == nil:
		return errors.New("capture: locator is required")
	}
	return nil
}

func (e Env) withDefaults() Env {
	if e.Clock == nil {
		e.Clock = timeutil.RealClock{}
	}
	if e.Notifier == nil {
		e.Notifier = NotifierFunc(func(Toast) {})
	}
	if e.SubmitTimeout <= 0 {
		e.SubmitTimeout = defaultSubmitTimeout
	}
	return e
}

func (e Env) notify(msg string, d time.Duration, code string) {
	e.Notifier.Notify(Toast{Message: msg, Duration: d, Code: code})
}

func (e Env) heading() float64 {
	if e.Heading == nil {
		return 0
	}
	return e.Heading.CorrectedHeading()
}

// grab captures the current frame. A failure leaves the image empty and is
// returned for the caller to annotate.
func (e Env) grab() (string, error) {
	if e.Frames == nil {
		return "", nil
	}
	img, err := e.Frames.CaptureFrame()
	if err != nil {
		monitoring.Logf("[Capture] frame capture failed: %v", err)
		return "", errors.Join(ErrFrameCapture, err)
	}
	return img, nil
}

// enrich asks the enricher for a description and category, keeping the
// fallbacks when it is missing or fails.
func (e Env) enrich(ctx context.Context, label, desc, category string) (string, string) {
	if e.Enricher == nil {
		return desc, category
	}
	got, err := e.Enricher.Enrich(ctx, label)
	if err != nil {
		monitoring.Logf("[Capture] enrichment for %q failed, using defaults: %v", label, err)
		return desc, category
	}
	if got.Description != "" {
		desc = got.Description
	}
	if got.Category != "" {
		category = got.Category
	}
	return desc, category
}

func (e Env) timestamp() string {
	return e.Clock.Now().UTC().Format(isoMillis)
}

func (e Env) saved(r records.Record) {
	if e.OnSaved != nil {
		e.OnSaved(r)
	}
}

func newClientRef() string {
	return uuid.NewString()
}

// dispatcher runs persistence calls off the caller's goroutine.
type dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatcher() *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{ctx: ctx, cancel: cancel}
}

func (d *dispatcher) goSubmit(timeout time.Duration, fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, timeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until every dispatched save has finished.
func (d *dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels in-flight saves and waits for them to return.
func (d *dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// submit sends p and folds a refused save into an ErrPersistence error.
func submit(ctx context.Context, c records.Client, p records.CreatePayload) (records.Result, error) {
	res, err := c.CreateRecord(ctx, p)
	if err != nil {
		return records.Result{}, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "Unknown"
		}
		return res, &persistenceError{msg: msg}
	}
	return res, nil
}

type persistenceError struct {
	msg string
}

func (e *persistenceError) Error() string { return e.msg }

func (e *persistenceError) Is(target error) bool { return target == ErrPersistence }
