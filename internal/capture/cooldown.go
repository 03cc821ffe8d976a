package capture

import (
	"sync"
	"time"
)

// CooldownGate rate-limits captures per key (the detection class). A key
// passes when more than window has elapsed since it last passed.
type CooldownGate struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldownGate returns an empty gate.
func NewCooldownGate(window time.Duration) *CooldownGate {
	return &CooldownGate{window: window, last: make(map[string]time.Time)}
}

// Window returns the cooldown length.
func (g *CooldownGate) Window() time.Duration {
	return g.window
}

// TryAcquire checks key and, when it passes, records now as its last
// trigger in the same step.
func (g *CooldownGate) TryAcquire(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[key]; ok && now.Sub(last) <= g.window {
		return false
	}
	g.last[key] = now
	return true
}

// Release rolls back the acquisition made at the given time. A newer
// acquisition of the same key is left alone.
func (g *CooldownGate) Release(key string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[key]; ok && last.Equal(at) {
		delete(g.last, key)
	}
}

// Active reports whether key is still cooling down at now.
func (g *CooldownGate) Active(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.last[key]
	return ok && now.Sub(last) <= g.window
}

// Reset forgets every key.
func (g *CooldownGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.last)
}
