package semaphore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounded_AcquireUpToLimit(t *testing.T) {
	s := New(2)
	require.NoError(t, s.Acquire(context.Background()))
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, 2, s.Occupancy())
}

func TestBounded_AcquireBlocksUntilRelease(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	acquired := make(chan struct{})
	go func() {
		s.Acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should not have succeeded before release")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should have succeeded after release")
	}
}

func TestBounded_AcquireRespectsContextCancellation(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBounded_DrainWakesParkedCallersWithStopped(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Acquire(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	s.Drain()
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrStopped)
	}
}

func TestBounded_AcquireAfterDrainFailsImmediately(t *testing.T) {
	s := New(1)
	s.Drain()
	err := s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestBounded_ReleaseWakesOldestWaiterFIFO(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	order := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			s.Acquire(context.Background())
			order <- i
		}(i)
		time.Sleep(10 * time.Millisecond) // enqueue in order
	}

	s.Release()
	first := <-order
	s.Release()
	second := <-order

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}
