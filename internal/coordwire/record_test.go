package coordwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
)

func TestDecode_RoundStart(t *testing.T) {
	raw := []byte(`{"protocol":"v2","round_id":"r1","kind":"round_start","trigger_message_id":"m1","trigger_content":"hello"}`)

	rec, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, rec.RoundStart)
	assert.Equal(t, "m1", rec.RoundStart.TriggerMessageID)
	assert.Equal(t, "hello", rec.RoundStart.TriggerContent)
}

func TestDecode_RoundStartViaIntentEnvelope(t *testing.T) {
	raw := []byte(`{"protocol":"v2","round_id":"r1","intent":{"type":"round_start","trigger_message_id":"m1","trigger_content":"hello"}}`)

	rec, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, KindRoundStart, rec.Kind)
	require.NotNil(t, rec.RoundStart)
	assert.Equal(t, "m1", rec.RoundStart.TriggerMessageID)
	assert.Equal(t, "hello", rec.RoundStart.TriggerContent)
}

func TestDecode_MicroPropose(t *testing.T) {
	raw := []byte(`{"protocol":"v2","round_id":"r1","kind":"micro_propose","proposal":{"angle":"perf","confidence":0.8,"covers":["latency"]}}`)

	rec, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, rec.MicroPropose)
	assert.Equal(t, "perf", rec.MicroPropose.Proposal.Angle)
	assert.InDelta(t, 0.8, rec.MicroPropose.Proposal.Confidence, 0.0001)
}

func TestDecode_Resolved(t *testing.T) {
	raw := []byte(`{"protocol":"v1","round_id":"r1","kind":"resolved","mode":"solo","winner":"A","reason":"confident"}`)

	rec, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, rec.Resolved)
	assert.Equal(t, models.ModeSolo, rec.Resolved.Mode)
	assert.Equal(t, "A", rec.Resolved.Winner)
}

func TestDecode_UnknownKindIsDropped(t *testing.T) {
	raw := []byte(`{"protocol":"v2","round_id":"r1","kind":"something_new"}`)

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrDropped)
}

func TestDecode_UnrecognizedProtocolIsDropped(t *testing.T) {
	raw := []byte(`{"protocol":"v99","round_id":"r1","kind":"round_start","trigger_message_id":"m1"}`)

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrDropped)
}

func TestDecode_LegacyProtocolIsAccepted(t *testing.T) {
	raw := []byte(`{"protocol":"legacy","round_id":"r1","kind":"round_start","trigger_message_id":"m1"}`)

	_, err := Decode(raw)
	assert.NoError(t, err)
}

func TestDecode_MalformedJSONIsDropped(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrDropped)
}

func TestDecode_PeerChatQuestion(t *testing.T) {
	raw := []byte(`{"protocol":"v2","round_id":"r1","kind":"question","to":"B","content":"sure about that?","depth":2}`)

	rec, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, rec.PeerChat)
	assert.Equal(t, "B", rec.PeerChat.To)
	assert.Equal(t, 2, rec.PeerChat.Depth)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	rec := Record{
		Protocol: "v2",
		RoundID:  "r1",
		Kind:     KindMicroPropose,
		MicroPropose: &MicroProposePayload{
			Proposal: models.MicroProposal{Angle: "caching", Confidence: 0.9, Covers: []string{"db"}},
		},
	}

	raw, err := Encode(rec)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, rec.RoundID, decoded.RoundID)
	assert.Equal(t, rec.MicroPropose.Proposal.Angle, decoded.MicroPropose.Proposal.Angle)
}
