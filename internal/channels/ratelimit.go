package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked keys so rotating senders cannot exhaust memory.
	maxTrackedKeys = 4096

	defaultTriggerWindow  = 60 * time.Second
	defaultTriggerMaxHits = 12
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// TriggerLimiter bounds how many replies one member can trigger per window.
// Keys are "groupID:userID". Messages over the limit are still recorded in
// history; they just stop counting as triggers. Safe for concurrent use.
type TriggerLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	window  time.Duration
	maxHits int
	now     func() time.Time
}

// NewTriggerLimiter creates a limiter; zero values use the defaults (12 per minute).
func NewTriggerLimiter(window time.Duration, maxHits int) *TriggerLimiter {
	if window <= 0 {
		window = defaultTriggerWindow
	}
	if maxHits <= 0 {
		maxHits = defaultTriggerMaxHits
	}
	return &TriggerLimiter{
		entries: make(map[string]*rateLimitEntry),
		window:  window,
		maxHits: maxHits,
		now:     time.Now,
	}
}

// Allow returns true if the key is within limits and counts the hit.
func (r *TriggerLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
