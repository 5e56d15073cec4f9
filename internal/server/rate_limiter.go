package server

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter keyed by caller: session user id,
// api key id, or client IP, whichever the middleware resolved first.
type rateLimiter struct {
	limit   int
	window  time.Duration
	mu      sync.Mutex
	windows map[string]*callerWindow
}

type callerWindow struct {
	openedAt time.Time
	seen     int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*callerWindow),
	}
}

// Allow admits the request unless the caller already spent its window.
// An empty key means the caller could not be identified; those never pass.
func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}

	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[key]
	if w == nil || now.Sub(w.openedAt) > r.window {
		r.sweep(now)
		w = &callerWindow{openedAt: now}
		r.windows[key] = w
	}

	if w.seen >= r.limit {
		return false
	}
	w.seen++
	return true
}

// sweep drops expired windows so one-off callers do not accumulate.
// Called with the lock held, and only when a window rolls over.
func (r *rateLimiter) sweep(now time.Time) {
	if len(r.windows) < 1024 {
		return
	}
	for key, w := range r.windows {
		if now.Sub(w.openedAt) > r.window {
			delete(r.windows, key)
		}
	}
}
