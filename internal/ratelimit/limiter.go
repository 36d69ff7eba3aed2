// Package ratelimit enforces a per-session rolling-window call budget on
// tools/call. The window is a true sliding count, not a token bucket: a
// call is admitted only if fewer than MaxCalls calls happened in the last
// Window, so bursts can never exceed the rolling count.
package ratelimit

import (
	"sync"
	"time"
)

// Config defines the window shape.
type Config struct {
	// MaxCalls admitted per window per session.
	MaxCalls int

	// Window is the rolling interval.
	Window time.Duration
}

// DefaultConfig matches the protocol contract: 60 calls per 60 seconds.
func DefaultConfig() Config {
	return Config{MaxCalls: 60, Window: 60 * time.Second}
}

// window holds the admission timestamps for one session, oldest first.
type window struct {
	mu    sync.Mutex
	calls []time.Time
}

// Limiter tracks per-session windows. The zero value is not usable; use New.
type Limiter struct {
	config  Config
	mu      sync.RWMutex
	windows map[string]*window
	now     func() time.Time
}

// New creates a limiter. Non-positive config fields fall back to defaults.
func New(config Config) *Limiter {
	def := DefaultConfig()
	if config.MaxCalls <= 0 {
		config.MaxCalls = def.MaxCalls
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	return &Limiter{
		config:  config,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// WithClock overrides the time source for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow reports whether a call for sessionID is admitted right now, and
// records it if so. Never blocks.
func (l *Limiter) Allow(sessionID string) bool {
	w := l.getWindow(sessionID)
	now := l.now()
	cutoff := now.Add(-l.config.Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Evict timestamps that fell out of the window.
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}

	if len(w.calls) >= l.config.MaxCalls {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}

// Remaining returns how many calls sessionID has left in the current window.
func (l *Limiter) Remaining(sessionID string) int {
	w := l.getWindow(sessionID)
	cutoff := l.now().Add(-l.config.Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	active := 0
	for _, ts := range w.calls {
		if ts.After(cutoff) {
			active++
		}
	}
	if rem := l.config.MaxCalls - active; rem > 0 {
		return rem
	}
	return 0
}

func (l *Limiter) getWindow(sessionID string) *window {
	l.mu.RLock()
	w, ok := l.windows[sessionID]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[sessionID]; ok {
		return w
	}
	w = &window{}
	l.windows[sessionID] = w
	return w
}
