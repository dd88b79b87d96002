package coordination

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/llmgateway"
)

type fakeGatewayMetrics struct {
	started, finished atomic.Int64
}

func (f *fakeGatewayMetrics) GatewayCallStarted(ctx context.Context)  { f.started.Add(1) }
func (f *fakeGatewayMetrics) GatewayCallFinished(ctx context.Context) { f.finished.Add(1) }

func TestGatewayProposer_GenerateProposal_ParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"text": `{"angle":"performance","confidence":0.8,"covers":["latency"],"solo_sufficient":true,"builds_on_other":false}`}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	client := llmgateway.New(server.URL, time.Second)
	fm := &fakeGatewayMetrics{}
	proposer := NewGatewayProposer(client, time.Second, "session-1", 2, fm)

	proposal, err := proposer.GenerateProposal(t.Context(), "what's slow here?", "", "")
	require.NoError(t, err)
	require.NotNil(t, proposal)
	assert.Equal(t, "performance", proposal.Angle)
	assert.Equal(t, 0.8, proposal.Confidence)
	assert.EqualValues(t, 1, fm.started.Load())
	assert.EqualValues(t, 1, fm.finished.Load())
}

func TestGatewayProposer_GenerateProposal_EmptyTextIsGeneratorFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"text": ""})
	}))
	defer server.Close()

	client := llmgateway.New(server.URL, time.Second)
	proposer := NewGatewayProposer(client, time.Second, "session-1", 1, nil)

	proposal, err := proposer.GenerateProposal(t.Context(), "trigger", "", "")
	assert.Error(t, err)
	assert.Nil(t, proposal)
}

func TestGatewayProposer_GenerateProposal_MalformedJSONIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "not json"})
	}))
	defer server.Close()

	client := llmgateway.New(server.URL, time.Second)
	proposer := NewGatewayProposer(client, time.Second, "session-1", 1, nil)

	proposal, err := proposer.GenerateProposal(t.Context(), "trigger", "", "")
	assert.Error(t, err)
	assert.Nil(t, proposal)
}
