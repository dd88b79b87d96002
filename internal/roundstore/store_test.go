package roundstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
)

func TestStore_InsertAndGet(t *testing.T) {
	s := New()
	state := &models.RoundState{RoundID: "r1"}

	ok := s.Insert(state, time.Minute, func(string) {})
	require.True(t, ok)

	got := s.Get("r1")
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.RoundID)
}

func TestStore_InsertRejectsDuplicateRoundID(t *testing.T) {
	s := New()
	ok1 := s.Insert(&models.RoundState{RoundID: "r1"}, time.Minute, func(string) {})
	ok2 := s.Insert(&models.RoundState{RoundID: "r1"}, time.Minute, func(string) {})

	assert.True(t, ok1)
	assert.False(t, ok2)
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	s := New()
	assert.Nil(t, s.Get("missing"))
}

func TestStore_DeadlineFiresOnDeadline(t *testing.T) {
	s := New()
	fired := make(chan string, 1)
	s.Insert(&models.RoundState{RoundID: "r1"}, 10*time.Millisecond, func(id string) {
		fired <- id
	})

	select {
	case id := <-fired:
		assert.Equal(t, "r1", id)
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
}

func TestStore_StartCleanupCancelsDeadlineAndDeletesLater(t *testing.T) {
	s := New()
	deadlineFired := false
	s.Insert(&models.RoundState{RoundID: "r1"}, 20*time.Millisecond, func(string) {
		deadlineFired = true
	})

	s.StartCleanup("r1", 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.False(t, deadlineFired)
	assert.Nil(t, s.Get("r1"))
}

func TestStore_DeleteCancelsTimers(t *testing.T) {
	s := New()
	deadlineFired := false
	s.Insert(&models.RoundState{RoundID: "r1"}, 20*time.Millisecond, func(string) {
		deadlineFired = true
	})

	s.Delete("r1")
	time.Sleep(40 * time.Millisecond)

	assert.False(t, deadlineFired)
	assert.Nil(t, s.Get("r1"))
}

func TestStore_Clear(t *testing.T) {
	s := New()
	s.Insert(&models.RoundState{RoundID: "r1"}, time.Minute, func(string) {})
	s.Insert(&models.RoundState{RoundID: "r2"}, time.Minute, func(string) {})

	s.Clear()
	assert.Equal(t, 0, s.Len())
}
