// Package ratelimit implements a round-robin, multi-lane rate limiter:
// up to `lanes` callers may proceed concurrently, each lane honoring its
// own minimum spacing between fires (spec.md §4.10).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/retrosd/retrosd/internal/coreerr"
)

// Limiter hands out lanes round-robin; Wait blocks the caller until its
// assigned lane's minimum spacing has elapsed since that lane last fired.
type Limiter struct {
	minDelay time.Duration

	mu       sync.Mutex
	lastFire []time.Time
	next     int
}

// New creates a Limiter with the given lane count and minimum per-lane
// spacing. lanes must be at least 1.
func New(lanes int, minDelay time.Duration) *Limiter {
	if lanes < 1 {
		lanes = 1
	}
	return &Limiter{
		minDelay: minDelay,
		lastFire: make([]time.Time, lanes),
	}
}

// Wait takes the next lane (round-robin), reserves that lane's next fire
// time (its last fire plus the minimum spacing, or now if that has passed)
// and blocks until then. It returns a ClassCancelled error wrapping
// ctx.Err() if ctx is cancelled first; the reserved slot stays taken.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	lane := l.next
	l.next = (l.next + 1) % len(l.lastFire)
	fireAt := l.lastFire[lane].Add(l.minDelay)
	if now := time.Now(); fireAt.Before(now) {
		fireAt = now
	}
	l.lastFire[lane] = fireAt
	l.mu.Unlock()

	if d := time.Until(fireAt); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return coreerr.New(coreerr.ClassCancelled, "ratelimit.Wait", ctx.Err())
		}
	}
	return nil
}

// Lanes reports the configured lane count.
func (l *Limiter) Lanes() int {
	return len(l.lastFire)
}
