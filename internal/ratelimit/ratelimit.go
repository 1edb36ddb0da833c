// Package ratelimit provides fixed-window rate limiters.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Keyed is a fixed-window rate limiter tracking one window per key, such as
// an agent ID or a client IP. Stale windows are dropped lazily.
type Keyed struct {
	mu        sync.Mutex
	windows   map[string]*window
	rate      int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type window struct {
	count int
	start time.Time
}

// NewKeyed creates a Keyed limiter that allows rate requests per window for
// each key.
func NewKeyed(rate int, period time.Duration) *Keyed {
	return &Keyed{
		windows:   make(map[string]*window),
		rate:      rate,
		window:    period,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow returns true if key has not exceeded its rate limit.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.lastSweep) > k.window {
		k.sweep(now)
	}

	w, ok := k.windows[key]
	if !ok || now.Sub(w.start) > k.window {
		k.windows[key] = &window{count: 1, start: now}
		return k.rate > 0
	}
	w.count++
	return w.count <= k.rate
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}

func (k *Keyed) sweep(now time.Time) {
	for key, w := range k.windows {
		if now.Sub(w.start) > k.window {
			delete(k.windows, key)
		}
	}
	k.lastSweep = now
}
