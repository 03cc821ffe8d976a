// Package replay records sensor events from a live session as JSON lines
// and runs them back through the fusion filter offline, producing a trace
// and plots of the result.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/fieldlog/internal/fusion"
)

const maxLineBytes = 1 << 20

// LoadEvents reads one fusion.Event per line. Blank lines and lines
// starting with # are skipped. Events come back ordered by time; events
// without a timestamp are rejected.
func LoadEvents(r io.Reader) ([]fusion.Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var out []fusion.Event
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var ev fusion.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if ev.At.IsZero() {
			return nil, fmt.Errorf("line %d: missing timestamp", n)
		}
		switch ev.Type {
		case fusion.EventGPS, fusion.EventMag, fusion.EventGyro, fusion.EventUnavailable:
		default:
			return nil, fmt.Errorf("line %d: unknown event type %q", n, ev.Type)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// Recorder appends events to w as JSON lines. Safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	enc *json.Encoder
	n   int
}

// NewRecorder writes to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{enc: json.NewEncoder(w)}
}

// Record writes ev on its own line.
func (r *Recorder) Record(ev fusion.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(ev); err != nil {
		return fmt.Errorf("recording %s event: %w", ev.Type, err)
	}
	r.n++
	return nil
}

// Count returns how many events were written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
