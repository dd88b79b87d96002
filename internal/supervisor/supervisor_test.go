package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSession struct {
	runErr   error
	runDelay time.Duration
	closed   atomic.Bool
	runCh    chan struct{}
}

func newFakeSession(runErr error, runDelay time.Duration) *fakeSession {
	return &fakeSession{runErr: runErr, runDelay: runDelay, runCh: make(chan struct{})}
}

func (f *fakeSession) Run() error {
	select {
	case <-time.After(f.runDelay):
	case <-f.runCh:
	}
	return f.runErr
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func TestSupervisor_ReconnectsAfterSessionDies(t *testing.T) {
	var connectCount int32
	connect := func(ctx context.Context) (Session, error) {
		atomic.AddInt32(&connectCount, 1)
		return newFakeSession(errors.New("died"), 10*time.Millisecond), nil
	}

	sup := New(connect, Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2, Jitter: 0})

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	sup.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&connectCount), int32(2))
}

func TestSupervisor_BacksOffOnConnectFailure(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	attempt := 0

	connect := func(ctx context.Context) (Session, error) {
		mu.Lock()
		attempt++
		mu.Unlock()
		if attempt <= 2 {
			return nil, errors.New("connect failed")
		}
		return newFakeSession(nil, time.Hour), nil
	}

	sup := New(connect, Backoff{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2, Jitter: 0})
	_ = delays

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	sup.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempt, 3)
}

func TestSupervisor_StopDisconnectsCurrentSession(t *testing.T) {
	sess := newFakeSession(nil, time.Hour)
	connect := func(ctx context.Context) (Session, error) {
		return sess, nil
	}

	sup := New(connect, Backoff{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2, Jitter: 0})
	go sup.Run(context.Background())

	time.Sleep(30 * time.Millisecond)
	sup.Stop()

	assert.True(t, sess.closed.Load())
}

func TestSupervisor_DelayForGrowsExponentiallyUpToMax(t *testing.T) {
	sup := New(nil, Backoff{Initial: 2 * time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0})

	assert.Equal(t, 2*time.Second, sup.delayFor(1))
	assert.Equal(t, 4*time.Second, sup.delayFor(2))
	assert.Equal(t, 8*time.Second, sup.delayFor(3))
	assert.Equal(t, 60*time.Second, sup.delayFor(10))
}
