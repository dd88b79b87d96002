// Package roundstore holds the per-round state records the coordination
// engine owns, keyed by round id, along with their deadline and cleanup
// timers.
package roundstore

import (
	"sync"
	"time"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
)

// entry pairs a round's state with the timers that govern its lifecycle.
type entry struct {
	state    *models.RoundState
	deadline *time.Timer
	cleanup  *time.Timer
}

// Store is a mutex-guarded map of round id to round state. Operations are
// meant to be called from the coordination engine's single execution
// domain; the mutex exists so timer-fired callbacks (which run on their own
// goroutines) can safely read and mutate the same map.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty round store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Get returns the round state for id, or nil if no round is live.
func (s *Store) Get(id string) *models.RoundState {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	return e.state
}

// Insert stores a new round state and arms its round-deadline timer, which
// invokes onDeadline if it fires before the round is deleted or its timer is
// stopped by StartCleanup/Delete. Insert is a no-op (returns false) if a
// round with this id already exists, matching invariant I1.
func (s *Store) Insert(state *models.RoundState, roundDeadline time.Duration, onDeadline func(roundID string)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[state.RoundID]; exists {
		return false
	}

	id := state.RoundID
	timer := time.AfterFunc(roundDeadline, func() {
		onDeadline(id)
	})
	s.entries[id] = &entry{state: state, deadline: timer}
	return true
}

// StartCleanup cancels the round-deadline timer (the round has reached a
// terminal state before the deadline fired) and arms a cleanup timer that
// deletes the round entry after cleanupAfter.
func (s *Store) StartCleanup(id string, cleanupAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.deadline != nil {
		e.deadline.Stop()
		e.deadline = nil
	}
	e.cleanup = time.AfterFunc(cleanupAfter, func() {
		s.Delete(id)
	})
}

// Delete removes a round's entry and cancels any armed timers.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.deadline != nil {
		e.deadline.Stop()
	}
	if e.cleanup != nil {
		e.cleanup.Stop()
	}
	delete(s.entries, id)
}

// AnyUnresolved reports whether any live round has not yet reached its
// terminal resolved state. Used to gate the lower-priority peer-chat layer,
// which drops while coordination is in flight.
func (s *Store) AnyUnresolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !e.state.Resolved {
			return true
		}
	}
	return false
}

// Snapshot returns the live round-state pointers at this instant. Callers
// that read or copy fields off these pointers must hold whatever lock
// guards field mutation (the coordination engine's own mutex, not this
// store's) to avoid racing with in-flight round processing.
func (s *Store) Snapshot() []*models.RoundState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.RoundState, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.state)
	}
	return out
}

// Len reports the number of live rounds, for metrics/tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear deletes every round and cancels every timer, releasing all state.
// Used on engine stop.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.deadline != nil {
			e.deadline.Stop()
		}
		if e.cleanup != nil {
			e.cleanup.Stop()
		}
	}
	s.entries = make(map[string]*entry)
}
