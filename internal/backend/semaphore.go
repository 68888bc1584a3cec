package backend

import "context"

// Semaphore bounds how many units run at once in the local pool.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with n slots. n below 1 is raised to 1:
// the pool size is always explicit and never unlimited.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
// Returns true if acquired, false if ctx was done first.
func (s *Semaphore) Acquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	<-s.ch
}

// Capacity returns the number of slots.
func (s *Semaphore) Capacity() int {
	return cap(s.ch)
}
