package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWaitAllowsImmediateFirstUseOfEachLane(t *testing.T) {
	l := New(3, 50*time.Millisecond)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("expected the first pass through all lanes to be near-instant, took %v", elapsed)
	}
}

func TestWaitEnforcesPerLaneSpacing(t *testing.T) {
	l := New(1, 40*time.Millisecond)
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected to wait close to 40ms, only waited %v", elapsed)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	l := New(1, time.Second)
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(cctx); err == nil {
		t.Fatal("expected a cancellation error")
	}
}

func TestThroughputBoundAcrossLanes(t *testing.T) {
	lanes := 4
	minDelay := 20 * time.Millisecond
	l := New(lanes, minDelay)
	ctx := context.Background()

	var mu sync.Mutex
	var admissions int
	window := 100 * time.Millisecond
	deadline := time.Now().Add(window)

	var wg sync.WaitGroup
	for i := 0; i < lanes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if err := l.Wait(ctx); err != nil {
					return
				}
				mu.Lock()
				admissions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// admissions <= ceil(T/D) * L + L, generously bounded for scheduling jitter.
	maxAllowed := (int(window/minDelay)+1)*lanes + lanes
	if admissions > maxAllowed {
		t.Errorf("admissions = %d, exceeds bound %d", admissions, maxAllowed)
	}
}
