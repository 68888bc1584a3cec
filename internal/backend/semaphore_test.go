package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSemaphore_LimitsConcurrency(t *testing.T) {
	sem := NewSemaphore(3)

	var maxConcurrent int32
	var current int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if !sem.Acquire(context.Background()) {
				t.Error("Acquire failed unexpectedly")
				return
			}

			c := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if c <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, c) {
					break
				}
			}

			time.Sleep(10 * time.Millisecond)

			atomic.AddInt32(&current, -1)
			sem.Release()
		}()
	}

	wg.Wait()

	if maxConcurrent > 3 {
		t.Errorf("Max concurrent %d exceeded semaphore limit 3", maxConcurrent)
	}
}

func TestSemaphore_ContextCancellation(t *testing.T) {
	sem := NewSemaphore(1)
	sem.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if sem.Acquire(ctx) {
		t.Error("Acquire should return false when context is cancelled")
		sem.Release()
	}

	sem.Release()
}

func TestSemaphore_CancelledContextWithFreeSlot(t *testing.T) {
	sem := NewSemaphore(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if sem.Acquire(ctx) {
		t.Error("Acquire must not hand out slots after cancellation")
	}
}

func TestNewSemaphore_ZeroOrNegative(t *testing.T) {
	for _, n := range []int{0, -1} {
		if got := NewSemaphore(n).Capacity(); got != 1 {
			t.Errorf("NewSemaphore(%d).Capacity() = %d, want 1", n, got)
		}
	}
}
