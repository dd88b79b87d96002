// Package semaphore implements a bounded, drainable concurrency gate used to
// cap outbound gateway calls.
package semaphore

import (
	"context"
	"sync"
)

// Bounded caps the number of concurrent holders at N. Callers arriving while
// full park in FIFO order on a channel until a slot frees or the semaphore
// drains.
type Bounded struct {
	mu      sync.Mutex
	limit   int
	held    int
	stopped bool
	waiters []chan struct{}
}

// New creates a Bounded semaphore with the given concurrent-holder limit.
func New(limit int) *Bounded {
	if limit < 1 {
		limit = 1
	}
	return &Bounded{limit: limit}
}

// ErrStopped is returned by Acquire when the semaphore has been drained.
var ErrStopped = &stoppedError{}

type stoppedError struct{}

func (*stoppedError) Error() string { return "semaphore: drained" }

// Acquire blocks until a slot is available, the context is cancelled, or the
// semaphore is drained. On drain it returns ErrStopped and the caller must
// not proceed with the work it was about to gate.
func (b *Bounded) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.held < b.limit {
		b.held++
		b.mu.Unlock()
		return nil
	}
	wake := make(chan struct{}, 1)
	b.waiters = append(b.waiters, wake)
	b.mu.Unlock()

	select {
	case <-wake:
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return ErrStopped
		}
		b.held++
		b.mu.Unlock()
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.removeWaiter(wake)
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees one held slot and wakes the oldest parked waiter, if any.
func (b *Bounded) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.held > 0 {
		b.held--
	}
	if len(b.waiters) > 0 && !b.stopped {
		next := b.waiters[0]
		b.waiters = b.waiters[1:]
		close(next)
	}
}

// Drain wakes every parked caller and marks the semaphore stopped; every
// future and currently-parked Acquire returns ErrStopped.
func (b *Bounded) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

// Occupancy reports the current number of held slots, for metrics.
func (b *Bounded) Occupancy() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held
}

func (b *Bounded) removeWaiter(target chan struct{}) {
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}
