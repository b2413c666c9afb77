package backpressure

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	c := New(2, 1<<20, nil)
	ctx := context.Background()

	if err := c.Acquire(ctx, 100); err != nil {
		t.Fatal(err)
	}
	if err := c.Acquire(ctx, 100); err != nil {
		t.Fatal(err)
	}
	c.Release(100, 100)
	c.Release(100, 100)
}

func TestMaxConcurrentBlocksSecondTask(t *testing.T) {
	c := New(1, 0, nil)
	ctx := context.Background()

	if err := c.Acquire(ctx, 10); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		c.Acquire(ctx, 10)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Acquire should have blocked while first task is active")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(10, 10)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never admitted after release")
	}
}

func TestOversizedSingleRequestStillAdmitted(t *testing.T) {
	c := New(4, 100, nil)
	ctx := context.Background()

	if err := c.Acquire(ctx, 10_000); err != nil {
		t.Fatalf("oversized request should be admitted when nothing else is in flight: %v", err)
	}
	c.Release(10_000, 10_000)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	c := New(1, 0, nil)
	ctx := context.Background()
	if err := c.Acquire(ctx, 10); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := c.Acquire(cctx, 10); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestFIFOAdmissionOrder(t *testing.T) {
	c := New(1, 0, nil)
	ctx := context.Background()
	if err := c.Acquire(ctx, 10); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			if err := c.Acquire(ctx, 10); err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			c.Release(10, 10)
		}(i)
	}
	time.Sleep(40 * time.Millisecond)
	c.Release(10, 10)
	wg.Wait()

	if len(order) != 3 {
		t.Fatalf("expected all 3 waiters to complete, got %v", order)
	}
	for i, v := range order {
		if v != i {
			t.Errorf("admission order = %v, want FIFO [0 1 2]", order)
			break
		}
	}
}
