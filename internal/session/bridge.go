package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/fieldlog/internal/capture"
	"github.com/banshee-data/fieldlog/internal/config"
	"github.com/banshee-data/fieldlog/internal/fusion"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/projection"
	"github.com/banshee-data/fieldlog/internal/records"
	"github.com/banshee-data/fieldlog/internal/serialmux"
	"github.com/banshee-data/fieldlog/internal/timeutil"
	"github.com/banshee-data/fieldlog/internal/tracking"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // snapshots are base64 JPEG
	toastBuffer    = 16
	replyBuffer    = 16

	defaultViewportW = 390
	defaultViewportH = 844
)

// Message types exchanged over the bridge.
const (
	MsgDetections     = "detections"
	MsgFrame          = "frame"
	MsgScan           = "scan"
	MsgSentinel       = "sentinel"
	MsgAutoSave       = "autosave"
	MsgMark           = "mark"
	MsgTeach          = "teach"
	MsgMission        = "mission"
	MsgCalibrate      = "calibrate"
	MsgZoom           = "zoom"
	MsgResize         = "resize"
	MsgPause          = "pause"
	MsgResume         = "resume"
	MsgManualPosition = "manual_position"

	MsgHello  = "hello"
	MsgState  = "state"
	MsgToast  = "toast"
	MsgResult = "result"
	MsgError  = "error"
)

// Inbound is a message from the phone. Sensor messages (gps, mag, gyro,
// gps_unavailable) are decoded as fusion.Event instead.
type Inbound struct {
	Type string `json:"type"`

	Detections []tracking.Detection `json:"detections,omitempty"`
	FrameW     float64              `json:"frame_w,omitempty"`
	FrameH     float64              `json:"frame_h,omitempty"`

	Image       string  `json:"image,omitempty"`
	Enabled     bool    `json:"enabled,omitempty"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Label       string  `json:"label,omitempty"`
	ID          string  `json:"id,omitempty"`
	Offset      float64 `json:"offset,omitempty"`
	FOV         float64 `json:"fov,omitempty"`
	W           float64 `json:"w,omitempty"`
	H           float64 `json:"h,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lng         float64 `json:"lng,omitempty"`
}

// Outbound is a message to the phone.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Result reports the outcome of a mark, teach or scan request.
type Result struct {
	Request     string `json:"request"`
	OK          bool   `json:"ok"`
	RecordID    string `json:"record_id,omitempty"`
	Description string `json:"description,omitempty"`
	Markers     int    `json:"markers,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}

// EventRecorder keeps the sensor events a phone streams, for offline
// replay.
type EventRecorder interface {
	Record(ev fusion.Event) error
}

// Bridge serves /ws/session. Every connection gets its own Session fed by
// the phone's sensors and detections; it is disposed when the socket closes.
type Bridge struct {
	Tuning   *config.TuningConfig
	Records  records.Client
	Enricher records.Enricher
	Clock    timeutil.Clock
	// Events, when set, receives every sensor event from every session.
	Events EventRecorder
	// GPS, when set, is a serial receiver whose fixes feed every session
	// alongside the phone's own.
	GPS serialmux.Mux

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewBridge returns a bridge creating sessions from tuning.
func NewBridge(tuning *config.TuningConfig, rc records.Client, enricher records.Enricher) *Bridge {
	return &Bridge{
		Tuning:   tuning,
		Records:  rc,
		Enricher: enricher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The phone page is served from another origin during field
			// tests.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// AttachRoutes registers the websocket endpoint and a session listing.
func (b *Bridge) AttachRoutes(mux *http.ServeMux) {
	mux.Handle("/ws/session", b)
	mux.HandleFunc("/api/sessions", b.handleList)
}

// Active returns the number of live sessions.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Bridge) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type entry struct {
		ID      string  `json:"id"`
		Paused  bool    `json:"paused"`
		Tracked int     `json:"tracked"`
		Mission *string `json:"mission_id"`
	}
	b.mu.Lock()
	out := make([]entry, 0, len(b.sessions))
	for id, s := range b.sessions {
		out = append(out, entry{ID: id, Paused: s.Paused(), Tracked: s.Tracker().Len(), Mission: s.Mission()})
	}
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func viewportFromQuery(r *http.Request) (projection.Viewport, error) {
	vp := projection.Viewport{W: defaultViewportW, H: defaultViewportH}
	for key, dst := range map[string]*float64{"w": &vp.W, "h": &vp.H} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return vp, fmt.Errorf("invalid viewport %s %q", key, v)
		}
		*dst = f
	}
	return vp, nil
}

// ServeHTTP upgrades the request and runs a session until either side
// hangs up.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vp, err := viewportFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := &bridgeConn{
		toasts:  make(chan capture.Toast, toastBuffer),
		replies: make(chan Outbound, replyBuffer),
		feed:    NewRemoteFeed(),
		events:  b.Events,
	}
	sess, err := New(b.Tuning, vp, Deps{
		Records:  b.Records,
		Enricher: b.Enricher,
		Detector: c.feed,
		Frames:   c.feed,
		Notifier: capture.NotifierFunc(c.toast),
		Clock:    b.Clock,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	c.sess = sess

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		monitoring.Warnf("[Bridge] upgrade failed: %v", err)
		sess.Dispose()
		return
	}
	c.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		monitoring.Warnf("[Bridge] session start: %v", err)
		conn.Close()
		sess.Dispose()
		return
	}

	b.mu.Lock()
	b.sessions[sess.ID()] = sess
	b.mu.Unlock()
	monitoring.Logf("[Bridge] session %s connected from %s (%vx%v)", sess.ID()[:8], r.RemoteAddr, vp.W, vp.H)

	if b.GPS != nil {
		c.async(func() {
			if _, err := serialmux.FeedFixes(ctx, b.GPS, sess.Fusion(), nil); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Warnf("[Bridge] serial GPS: %v", err)
			}
		})
	}
	c.reply(Outbound{Type: MsgHello, Data: map[string]string{"session_id": sess.ID()}})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()
	c.readPump(ctx)

	cancel()
	<-done
	c.pending.Wait()
	sess.Dispose()
	b.mu.Lock()
	delete(b.sessions, sess.ID())
	b.mu.Unlock()
	monitoring.Logf("[Bridge] session %s closed", sess.ID()[:8])
}

// bridgeConn is one phone connection. readPump is the only reader and
// writePump the only writer of conn.
type bridgeConn struct {
	conn    *websocket.Conn
	sess    *Session
	feed    *RemoteFeed
	toasts  chan capture.Toast
	replies chan Outbound
	events  EventRecorder
	pending sync.WaitGroup
}

func (c *bridgeConn) toast(t capture.Toast) {
	select {
	case c.toasts <- t:
	default:
	}
}

func (c *bridgeConn) reply(m Outbound) {
	select {
	case c.replies <- m:
	default:
		monitoring.Warnf("[Bridge] reply queue full, dropping %s", m.Type)
	}
}

func (c *bridgeConn) readPump(ctx context.Context) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				monitoring.Warnf("[Bridge] read: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := c.handle(ctx, data); err != nil {
			c.reply(Outbound{Type: MsgError, Data: map[string]string{"message": err.Error()}})
		}
	}
}

// handle applies one inbound message. Saves and scans run on their own
// goroutine so sensor updates keep flowing.
func (c *bridgeConn) handle(ctx context.Context, data []byte) error {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	s := c.sess

	switch in.Type {
	case fusion.EventGPS, fusion.EventMag, fusion.EventGyro, fusion.EventUnavailable:
		var ev fusion.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decoding %s event: %w", in.Type, err)
		}
		if ev.At.IsZero() {
			ev.At = s.clock.Now()
		}
		if c.events != nil {
			if err := c.events.Record(ev); err != nil {
				monitoring.Warnf("[Bridge] %v", err)
			}
		}
		return s.Fusion().Apply(ev)
	case MsgManualPosition:
		s.Fusion().SetManualPosition(in.Lat, in.Lng)
	case MsgDetections:
		c.feed.PushDetections(in.Detections, in.FrameW, in.FrameH)
	case MsgFrame:
		c.feed.PushSnapshot(in.Image)
	case MsgSentinel:
		s.Sentinel().SetEnabled(in.Enabled)
	case MsgAutoSave:
		s.AutoSave().SetEnabled(in.Enabled)
	case MsgMission:
		s.SetMission(in.ID)
	case MsgCalibrate:
		s.World().SetHeadingOffset(in.Offset)
	case MsgZoom:
		return s.World().Camera().SetFOV(in.FOV)
	case MsgResize:
		return s.Resize(projection.Viewport{W: in.W, H: in.H})
	case MsgPause:
		s.Pause()
	case MsgResume:
		s.Resume()
	case MsgScan:
		c.async(func() {
			n, err := s.Scan(ctx)
			c.reply(Outbound{Type: MsgResult, Data: result(MsgScan, err, func(r *Result) { r.Markers = n })})
		})
	case MsgMark:
		c.async(func() {
			rec, err := s.Placer().CreateManual(ctx, in.Title, in.Description, in.Image)
			c.reply(Outbound{Type: MsgResult, Data: result(MsgMark, err, func(r *Result) { r.RecordID = rec.ID })})
		})
	case MsgTeach:
		c.async(func() {
			rec, desc, err := s.Placer().Teach(ctx, in.Label)
			c.reply(Outbound{Type: MsgResult, Data: result(MsgTeach, err, func(r *Result) {
				r.RecordID, r.Description = rec.ID, desc
			})})
		})
	default:
		return fmt.Errorf("unknown message type %q", in.Type)
	}
	return nil
}

func (c *bridgeConn) async(fn func()) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		fn()
	}()
}

func result(req string, err error, fill func(*Result)) Result {
	r := Result{Request: req, OK: err == nil}
	if err != nil {
		r.Error = err.Error()
		r.Code = capture.ErrorCode(err)
		if errors.Is(err, ErrDisposed) {
			r.Code = ""
		}
		return r
	}
	fill(&r)
	return r
}

func (c *bridgeConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(m Outbound) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(m); err != nil {
			monitoring.Warnf("[Bridge] write %s: %v", m.Type, err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case fs := <-c.sess.Frames():
			if !write(Outbound{Type: MsgState, Data: fs}) {
				return
			}
		case t := <-c.toasts:
			if !write(Outbound{Type: MsgToast, Data: t}) {
				return
			}
		case m := <-c.replies:
			if !write(m) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
