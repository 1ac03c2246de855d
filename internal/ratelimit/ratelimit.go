package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of a single consumption attempt.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// RetryAfterSeconds returns the wait until the window resets, rounded up to whole seconds.
func (d Decision) RetryAfterSeconds(now time.Time) int {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return int(math.Ceil(wait.Seconds()))
}

type window struct {
	count   int
	resetAt time.Time
}

// Options configure a Limiter.
type Options struct {
	Window   time.Duration
	MaxCalls int
	Now      func() time.Time
}

// Limiter is a fixed-window quota gate keyed by client identity. Windows are reset lazily
// on the first consumption at or after their reset instant.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	now     func() time.Time
	windows map[string]*window
}

// New constructs a Limiter.
func New(opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.MaxCalls < 0 {
		opts.MaxCalls = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		window:  opts.Window,
		max:     opts.MaxCalls,
		now:     opts.Now,
		windows: make(map[string]*window),
	}
}

// Consume takes one unit of quota for identity. A denied attempt leaves the count untouched.
func (l *Limiter) Consume(identity string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[identity]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.window)}
		l.windows[identity] = w
	}

	if w.count >= l.max {
		return Decision{Allowed: false, Limit: l.max, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	return Decision{Allowed: true, Limit: l.max, Remaining: l.max - w.count, ResetAt: w.resetAt}
}

// Refund returns one unit taken by Consume in the current window, for calls
// that never reached the provider.
func (l *Limiter) Refund(identity string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[identity]
	if !ok || !now.Before(w.resetAt) {
		return Decision{Allowed: l.max > 0, Limit: l.max, Remaining: l.max, ResetAt: now.Add(l.window)}
	}
	if w.count > 0 {
		w.count--
	}
	remaining := l.max - w.count
	return Decision{Allowed: remaining > 0, Limit: l.max, Remaining: remaining, ResetAt: w.resetAt}
}

// Peek reports the current state for identity without consuming.
func (l *Limiter) Peek(identity string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[identity]
	if !ok || !now.Before(w.resetAt) {
		return Decision{Allowed: l.max > 0, Limit: l.max, Remaining: l.max, ResetAt: now.Add(l.window)}
	}
	remaining := l.max - w.count
	return Decision{Allowed: remaining > 0, Limit: l.max, Remaining: remaining, ResetAt: w.resetAt}
}

// Prune drops windows that have already expired and returns how many were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Snapshot summarises limiter configuration and tracked identities.
type Snapshot struct {
	Window   time.Duration `json:"-"`
	WindowMS int64         `json:"windowMs"`
	MaxCalls int           `json:"maxCalls"`
	Tracked  int           `json:"trackedClients"`
}

// Snapshot returns the limiter summary used by diagnostics.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Window:   l.window,
		WindowMS: l.window.Milliseconds(),
		MaxCalls: l.max,
		Tracked:  len(l.windows),
	}
}
