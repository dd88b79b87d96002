package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/chatstore"
)

type fakeHistoryStore struct {
	historyRows   []chatstore.CoordinationRow
	speakers      []string
	speakersErr   error
	replyContents map[string][]string
	summaries     map[string]chatstore.ResponseSummaryRow
	writeErr      error
	readErr       error
	repliesErr    error
}

func newFakeHistoryStore() *fakeHistoryStore {
	return &fakeHistoryStore{summaries: make(map[string]chatstore.ResponseSummaryRow)}
}

func (f *fakeHistoryStore) ReadCoordinationHistory(ctx context.Context, sourceChatID string, limit int) ([]chatstore.CoordinationRow, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.historyRows, nil
}

func (f *fakeHistoryStore) ListRecentSpeakers(ctx context.Context, sourceChatID, excludeName string) ([]string, error) {
	if f.speakersErr != nil {
		return nil, f.speakersErr
	}
	return f.speakers, nil
}

func (f *fakeHistoryStore) ListRecentReplyContents(ctx context.Context, sourceChatID, speaker string, limit int) ([]string, error) {
	if f.repliesErr != nil {
		return nil, f.repliesErr
	}
	contents := f.replyContents[speaker]
	if len(contents) > limit {
		contents = contents[:limit]
	}
	return contents, nil
}

func (f *fakeHistoryStore) WriteResponseSummary(ctx context.Context, row chatstore.ResponseSummaryRow) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.summaries[row.RoundID+"|"+row.Speaker] = row
	return nil
}

func (f *fakeHistoryStore) ReadResponseSummary(ctx context.Context, roundID, speaker string) (*chatstore.ResponseSummaryRow, error) {
	row, ok := f.summaries[roundID+"|"+speaker]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func mustPayload(t *testing.T, v map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestLoader_LoadCoordinationHistoryGroupsByRoundAndSkipsCurrent(t *testing.T) {
	store := newFakeHistoryStore()
	store.historyRows = []chatstore.CoordinationRow{
		{RoundID: "r1", Kind: "round_start", Payload: mustPayload(t, map[string]interface{}{"kind": "round_start", "trigger_content": "hello"})},
		{RoundID: "r2", Kind: "resolved", Payload: mustPayload(t, map[string]interface{}{"kind": "resolved", "mode": "solo", "winner": "A", "reason": "confident"})},
	}

	loader := New(store)
	out := loader.LoadCoordinationHistory(context.Background(), "chat-1", "r2")

	assert.Contains(t, out, "round r1")
	assert.NotContains(t, out, "round r2")
}

func TestLoader_LoadCoordinationHistoryDegradesOnError(t *testing.T) {
	store := newFakeHistoryStore()
	store.readErr = assert.AnError

	loader := New(store)
	out := loader.LoadCoordinationHistory(context.Background(), "chat-1", "")
	assert.Equal(t, "", out)
}

func TestLoader_WriteAndWaitForResponseSummary(t *testing.T) {
	store := newFakeHistoryStore()
	loader := New(store)

	loader.WriteResponseSummary(context.Background(), "coord-1", "r1", "agent-a", "the reply", "chat-1")

	content := loader.WaitForResponseSummary(context.Background(), "r1", "agent-a", time.Second)
	assert.Equal(t, "the reply", content)
}

func TestLoader_WaitForResponseSummaryTimesOutToEmpty(t *testing.T) {
	store := newFakeHistoryStore()
	loader := New(store)

	content := loader.WaitForResponseSummary(context.Background(), "r-missing", "agent-a", 50*time.Millisecond)
	assert.Equal(t, "", content)
}

func TestLoader_LoadRecentPeerRepliesIncludesEachSpeakersContent(t *testing.T) {
	store := newFakeHistoryStore()
	store.speakers = []string{"agent-b"}
	store.replyContents = map[string][]string{
		"agent-b": {"latest reply", "older reply"},
	}

	loader := New(store)
	out := loader.LoadRecentPeerReplies(context.Background(), "chat-1", "agent-a")

	assert.Contains(t, out, "agent-b: latest reply")
	assert.Contains(t, out, "agent-b: older reply")
}

func TestLoader_LoadRecentPeerRepliesDegradesOnDiscoveryError(t *testing.T) {
	store := newFakeHistoryStore()
	store.speakersErr = assert.AnError

	loader := New(store)
	out := loader.LoadRecentPeerReplies(context.Background(), "chat-1", "agent-a")
	assert.Equal(t, "", out)
}

func TestLoader_WriteResponseSummaryTruncatesContent(t *testing.T) {
	store := newFakeHistoryStore()
	loader := New(store)

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	loader.WriteResponseSummary(context.Background(), "coord-1", "r1", "agent-a", string(long), "chat-1")

	row := store.summaries["r1|agent-a"]
	assert.Len(t, row.Content, 500)
}
