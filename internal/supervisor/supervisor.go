// Package supervisor runs the reconnect loop that owns Reliable Inbound's
// connection lifecycle: start, wait until dead, back off, retry.
package supervisor

import (
	"context"
	"log"
	"math/rand"
	"time"
)

// Backoff parameterizes the exponential-backoff-with-jitter formula:
// delay = min(initial * factor^(attempt-1), max) * (1 + jitter*U(-1,1)).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Session is one connected unit the supervisor owns: Run blocks until the
// connection dies (returning the terminal error), Close disconnects it.
type Session interface {
	Run() error
	Close() error
}

// Connector dials a fresh Session.
type Connector func(ctx context.Context) (Session, error)

// Supervisor runs Connector in a loop, reconnecting with backoff on death,
// until Stop is called.
type Supervisor struct {
	connect Connector
	backoff Backoff
	randSrc *rand.Rand

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Supervisor over a Connector.
func New(connect Connector, backoff Backoff) *Supervisor {
	return &Supervisor{
		connect: connect,
		backoff: backoff,
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run executes the start/wait-dead/backoff/retry loop until Stop is called
// or ctx is cancelled. It blocks; call it in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.doneCh)

	attempt := 0
	var current Session

	for {
		select {
		case <-s.stopCh:
			if current != nil {
				current.Close()
			}
			return
		case <-ctx.Done():
			if current != nil {
				current.Close()
			}
			return
		default:
		}

		sess, err := s.connect(ctx)
		if err != nil {
			attempt++
			delay := s.delayFor(attempt)
			log.Printf(`{"level":"warn","message":"connect failed, backing off","error":"%v","delay_ms":%d,"attempt":%d}`, err, delay.Milliseconds(), attempt)
			if !s.sleepOrStop(ctx, delay) {
				return
			}
			continue
		}

		current = sess
		attempt = 0 // successful connect resets the attempt counter

		runDone := make(chan error, 1)
		go func() { runDone <- sess.Run() }()
		var runErr error
		select {
		case runErr = <-runDone:
		case <-s.stopCh:
			sess.Close()
			return
		case <-ctx.Done():
			sess.Close()
			return
		}
		sess.Close() // stale inbound must be disconnected before a new one is created
		current = nil

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		delay := s.delayFor(attempt)
		log.Printf(`{"level":"warn","message":"connection died, reconnecting","error":"%v","delay_ms":%d,"attempt":%d}`, runErr, delay.Milliseconds(), attempt)
		if !s.sleepOrStop(ctx, delay) {
			return
		}
	}
}

// delayFor computes the backoff delay for the given attempt count
// (1-indexed).
func (s *Supervisor) delayFor(attempt int) time.Duration {
	base := float64(s.backoff.Initial) * pow(s.backoff.Factor, float64(attempt-1))
	if base > float64(s.backoff.Max) {
		base = float64(s.backoff.Max)
	}
	jitter := 1 + s.backoff.Jitter*(2*s.randSrc.Float64()-1)
	return time.Duration(base * jitter)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

func (s *Supervisor) sleepOrStop(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop aborts the loop; the current session is disconnected before Run
// returns.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
