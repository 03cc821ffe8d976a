package serialmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/fieldlog/internal/geo"
)

// SimulatedPort is a read-only port that plays a receiver walking a circle
// of RadiusM metres around Center, one GGA and one RMC per Interval.
type SimulatedPort struct {
	Center   geo.Position
	RadiusM  float64
	Interval time.Duration

	r      *io.PipeReader
	w      *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSimulatedPort starts the simulated receiver.
func NewSimulatedPort(center geo.Position, radiusM float64, interval time.Duration) *SimulatedPort {
	ctx, cancel := context.WithCancel(context.Background())
	r, w := io.Pipe()
	p := &SimulatedPort{
		Center:   center,
		RadiusM:  radiusM,
		Interval: interval,
		r:        r,
		w:        w,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *SimulatedPort) run(ctx context.Context) {
	defer close(p.done)
	defer p.w.Close()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for step := 0; ; step++ {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			bearing := math.Mod(float64(step)*10, 360)
			pos, err := geo.DestinationPoint(p.Center.Lat, p.Center.Lng, bearing, p.RadiusM)
			if err != nil {
				pos = p.Center
			}
			for _, s := range SimulatedSentences(now.UTC(), pos) {
				if _, err := io.WriteString(p.w, s+"\r\n"); err != nil {
					return
				}
			}
		}
	}
}

func (p *SimulatedPort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write discards commands.
func (p *SimulatedPort) Write(b []byte) (int, error) { return len(b), nil }

// Close stops the simulation.
func (p *SimulatedPort) Close() error {
	p.cancel()
	p.r.Close()
	<-p.done
	return nil
}

// SimulatedSentences renders a GGA and an RMC line for pos at t.
func SimulatedSentences(t time.Time, pos geo.Position) []string {
	clock := fmt.Sprintf("%02d%02d%02d.%02d", t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1e7)
	lat, ns := nmeaCoord(pos.Lat, 2, "N", "S")
	lng, ew := nmeaCoord(pos.Lng, 3, "E", "W")
	return []string{
		FormatSentence(fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,08,0.9,650.0,M,51.0,M,,", clock, lat, ns, lng, ew)),
		FormatSentence(fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,000.5,000.0,%s,,", clock, lat, ns, lng, ew, t.Format("020106"))),
	}
}

func nmeaCoord(v float64, degWidth int, pos, neg string) (string, string) {
	hemi := pos
	if v < 0 {
		hemi = neg
		v = -v
	}
	deg := math.Floor(v)
	mins := math.Round((v-deg)*60*1e4) / 1e4
	if mins >= 60 {
		deg++
		mins = 0
	}
	return fmt.Sprintf("%0*d%07.4f", degWidth, int(deg), mins), hemi
}

// TestableSerialPort is a scriptable SerialPorter for tests. Reads drain
// lines queued with Feed and block while none are queued; writes are
// captured.
type TestableSerialPort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	in      bytes.Buffer
	out     bytes.Buffer
	eof     bool
	closed  bool
	readErr error

	// WriteError fails the next Write.
	WriteError error
}

// NewTestableSerialPort returns an empty port.
func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Feed queues lines for reading, each terminated by CRLF.
func (t *TestableSerialPort) Feed(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range lines {
		t.in.WriteString(l + "\r\n")
	}
	t.cond.Broadcast()
}

// EndOfInput makes Read return io.EOF once the queue is drained, or err
// when it is not nil.
func (t *TestableSerialPort) EndOfInput(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eof = true
	t.readErr = err
	t.cond.Broadcast()
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.in.Len() == 0 && !t.eof && !t.closed {
		t.cond.Wait()
	}
	switch {
	case t.closed:
		return 0, errors.New("serial port closed")
	case t.in.Len() > 0:
		return t.in.Read(p)
	case t.readErr != nil:
		return 0, t.readErr
	}
	return 0, io.EOF
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errors.New("serial port closed")
	}
	if err := t.WriteError; err != nil {
		t.WriteError = nil
		return 0, err
	}
	return t.out.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Broadcast()
	return nil
}

// Written returns everything written so far.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.String()
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
