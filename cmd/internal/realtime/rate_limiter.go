package realtime

import (
	"sync"
	"time"
)

// RateDecision is the outcome of one inbound frame against the limiter.
type RateDecision int

const (
	RateAllow RateDecision = iota
	// RateDrop discards the frame; the connection stays open.
	RateDrop
	// RateDisconnect means the client kept sending while throttled.
	RateDisconnect
)

// RateLimiter is a per-connection sliding-window limiter on inbound frames.
// Accepted event times live in a ring of size limit, so the oldest one is
// always at next once the ring is full.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	full   bool
	window time.Duration

	strikes    int
	maxStrikes int
}

// NewRateLimiter constructs a RateLimiter, falling back to the package defaults for invalid inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:       make([]time.Time, limit),
		window:     window,
		maxStrikes: rateLimitStrikes,
	}
}

// Check records an event at now if the window has room. Otherwise it counts a
// strike and returns how long until the oldest event leaves the window.
// Strikes reset on the next accepted event.
func (r *RateLimiter) Check(now time.Time) (RateDecision, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		if age := now.Sub(r.ring[r.next]); age < r.window {
			r.strikes++
			if r.strikes > r.maxStrikes {
				return RateDisconnect, r.window - age
			}
			return RateDrop, r.window - age
		}
	}

	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	r.strikes = 0
	return RateAllow, 0
}

// Allow reports whether an event at now is accepted.
func (r *RateLimiter) Allow(now time.Time) bool {
	d, _ := r.Check(now)
	return d == RateAllow
}
