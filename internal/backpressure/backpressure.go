// Package backpressure bounds concurrent download tasks by both task count
// and bytes-in-flight, admitting waiters in FIFO order (spec.md §4.5).
package backpressure

import (
	"container/list"
	"context"
	"sync"

	"github.com/retrosd/retrosd/internal/coreerr"
)

// State is reported via OnStateChange whenever admission or release occurs.
type State struct {
	ActiveTasks     int
	BytesInFlight   int64
	WaitingTasks    int
	MaxConcurrent   int
	MaxBytesInFlight int64
}

// Controller admits tasks once both a concurrency slot and a byte budget
// are available. A single oversized request (estimatedBytes alone exceeds
// MaxBytesInFlight) is still admitted once no other task is in flight, so
// it can never deadlock the queue (spec.md §4.5).
type Controller struct {
	maxConcurrent    int
	maxBytesInFlight int64
	onStateChange    func(State)

	mu            sync.Mutex
	activeTasks   int
	bytesInFlight int64
	waiters       *list.List // of *waiter
}

type waiter struct {
	estimatedBytes int64
	ready          chan struct{}
}

// New creates a Controller. maxConcurrent <= 0 means unlimited task count;
// maxBytesInFlight <= 0 means unlimited bytes.
func New(maxConcurrent int, maxBytesInFlight int64, onStateChange func(State)) *Controller {
	return &Controller{
		maxConcurrent:    maxConcurrent,
		maxBytesInFlight: maxBytesInFlight,
		onStateChange:    onStateChange,
		waiters:          list.New(),
	}
}

// Acquire blocks until the controller admits a task sized estimatedBytes,
// or ctx is cancelled. Callers must call Release with the same
// estimatedBytes and the actual bytes transferred once the task finishes.
func (c *Controller) Acquire(ctx context.Context, estimatedBytes int64) error {
	c.mu.Lock()
	if c.waiters.Len() == 0 && c.canAdmitLocked(estimatedBytes) {
		c.admitLocked(estimatedBytes)
		c.mu.Unlock()
		return nil
	}

	w := &waiter{estimatedBytes: estimatedBytes, ready: make(chan struct{})}
	elem := c.waiters.PushBack(w)
	c.notifyLocked()
	c.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		// Remove the waiter if it never got admitted; if it was already
		// admitted and removed from the list, treat bytes as acquired and
		// release them immediately to keep accounting consistent.
		removed := removeWaiter(c.waiters, elem)
		c.mu.Unlock()
		if !removed {
			// admitted concurrently with cancellation; give the slot back
			c.Release(estimatedBytes, 0)
		}
		return coreerr.New(coreerr.ClassCancelled, "backpressure.Acquire", ctx.Err())
	}
}

// Release frees the slot and byte budget estimatedBytes reserved, and
// admits queued waiters that now fit. actualBytes is informational only
// (future accounting hooks may use it); it does not affect admission.
func (c *Controller) Release(estimatedBytes int64, actualBytes int64) {
	c.mu.Lock()
	c.activeTasks--
	c.bytesInFlight -= estimatedBytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	c.promoteWaitersLocked()
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Controller) canAdmitLocked(estimatedBytes int64) bool {
	if c.maxConcurrent > 0 && c.activeTasks >= c.maxConcurrent {
		return false
	}
	if c.maxBytesInFlight <= 0 {
		return true
	}
	if c.activeTasks == 0 {
		// Always admit the first task even if it alone exceeds the budget,
		// so an oversized single ROM never wedges the queue.
		return true
	}
	return c.bytesInFlight+estimatedBytes <= c.maxBytesInFlight
}

func (c *Controller) admitLocked(estimatedBytes int64) {
	c.activeTasks++
	c.bytesInFlight += estimatedBytes
}

func (c *Controller) promoteWaitersLocked() {
	for {
		front := c.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if !c.canAdmitLocked(w.estimatedBytes) {
			return
		}
		c.waiters.Remove(front)
		c.admitLocked(w.estimatedBytes)
		close(w.ready)
	}
}

func (c *Controller) notifyLocked() {
	if c.onStateChange == nil {
		return
	}
	c.onStateChange(State{
		ActiveTasks:      c.activeTasks,
		BytesInFlight:    c.bytesInFlight,
		WaitingTasks:     c.waiters.Len(),
		MaxConcurrent:    c.maxConcurrent,
		MaxBytesInFlight: c.maxBytesInFlight,
	})
}

func removeWaiter(l *list.List, target *list.Element) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e == target {
			l.Remove(e)
			return true
		}
	}
	return false
}
