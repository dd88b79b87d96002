package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_MarkFirstTimeIsNotPresent(t *testing.T) {
	w := New()
	wasPresent := w.Mark("msg-1", time.Minute)
	assert.False(t, wasPresent)
}

func TestWindow_MarkSecondTimeIsPresent(t *testing.T) {
	w := New()
	require.False(t, w.Mark("msg-1", time.Minute))
	assert.True(t, w.Mark("msg-1", time.Minute))
}

func TestWindow_MarkAfterExpiryIsNotPresent(t *testing.T) {
	w := New()
	require.False(t, w.Mark("msg-1", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, w.Mark("msg-1", time.Minute))
}

func TestWindow_Seen(t *testing.T) {
	w := New()
	assert.False(t, w.Seen("k"))
	w.Mark("k", time.Minute)
	assert.True(t, w.Seen("k"))
}

func TestWindow_SeenExpired(t *testing.T) {
	w := New()
	w.Mark("k", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, w.Seen("k"))
}

func TestWindow_Evict(t *testing.T) {
	w := New()
	w.Mark("stale", 10*time.Millisecond)
	w.Mark("fresh", time.Minute)
	time.Sleep(20 * time.Millisecond)
	w.Evict()
	assert.Equal(t, 1, w.Len())
}

func TestWindow_Clear(t *testing.T) {
	w := New()
	w.Mark("a", time.Minute)
	w.Mark("b", time.Minute)
	w.Clear()
	assert.Equal(t, 0, w.Len())
}

func TestWindow_ContentKeyFormat(t *testing.T) {
	w := New()
	key := "chat-1|user-1|hello there"
	assert.False(t, w.Mark(key, 5*time.Second))
	assert.True(t, w.Mark(key, 5*time.Second))
}
