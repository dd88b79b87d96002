// Package coordwire decodes and encodes the coordination record wire
// envelope exchanged over the shared coordination stream.
package coordwire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
)

// Kind is the coordination record's tagged-union discriminator.
type Kind string

const (
	KindRoundStart    Kind = "round_start"
	KindMicroPropose  Kind = "micro_propose"
	KindResolved      Kind = "resolved"
	KindSignal        Kind = "signal"
	KindQuestion      Kind = "question"
	KindInform        Kind = "inform"
	KindFlag          Kind = "flag"
	KindDelegate      Kind = "delegate"
	KindStatus        Kind = "status"
	KindUnknown       Kind = ""
)

// acceptedProtocolVersions is the explicit acceptance set decided for the
// open question on legacy/current protocol-version coexistence.
var acceptedProtocolVersions = map[string]bool{
	"v1":     true,
	"v2":     true,
	"legacy": true,
}

// ErrDropped is returned by Decode for malformed envelopes, unknown kinds,
// and unrecognized protocol versions — all of which the caller should treat
// as "drop and log", never as a fatal error.
var ErrDropped = errors.New("coordwire: record dropped")

// RoundStartPayload starts a new round equal to TriggerMessageID.
type RoundStartPayload struct {
	TriggerMessageID string `json:"trigger_message_id"`
	TriggerContent   string `json:"trigger_content"`
}

// MicroProposePayload carries a peer's proposal.
type MicroProposePayload struct {
	Proposal models.MicroProposal `json:"proposal"`
}

// ResolvedPayload is the terminal, informational log of a round's outcome.
type ResolvedPayload struct {
	Mode          models.Mode                     `json:"mode"`
	Winner        string                          `json:"winner"`
	RunnerUp      string                          `json:"runner_up,omitempty"`
	Reason        string                          `json:"reason"`
	MyProposal    models.MicroProposal             `json:"my_proposal"`
	OtherProposal models.MicroProposal             `json:"other_proposal"`
}

// SignalPayload is an author-post-facto assessment, not consumed by the
// state machine.
type SignalPayload struct {
	SoloInsufficient bool    `json:"solo_insufficient"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
	Basis            string  `json:"basis"`
	ChainDepth       int     `json:"chain_depth"`
	SourceChatID     string  `json:"source_chat_id"`
}

// PeerChatPayload covers the depth-capped peer-chat layer
// (question/inform/flag/delegate/status).
type PeerChatPayload struct {
	To           string `json:"to,omitempty"`
	Content      string `json:"content"`
	ExpectsReply bool   `json:"expects_reply,omitempty"`
	Depth        int    `json:"depth,omitempty"`
}

// Record is the decoded coordination envelope. Exactly one payload field is
// populated, matching Kind.
type Record struct {
	Protocol     string
	RoundID      string
	SourceChatID string
	From         string
	Kind         Kind

	RoundStart   *RoundStartPayload
	MicroPropose *MicroProposePayload
	Resolved     *ResolvedPayload
	Signal       *SignalPayload
	PeerChat     *PeerChatPayload
}

// wireEnvelope mirrors the JSON shape on the coordination stream.
type wireEnvelope struct {
	Protocol     string          `json:"protocol"`
	RoundID      string          `json:"round_id,omitempty"`
	SourceChatID string          `json:"source_chat_id,omitempty"`
	From         string          `json:"from,omitempty"`
	Kind         string          `json:"kind"`
	Proposal     json.RawMessage `json:"proposal,omitempty"`

	// round_start fields
	TriggerMessageID string `json:"trigger_message_id,omitempty"`
	TriggerContent   string `json:"trigger_content,omitempty"`

	// resolved fields
	Mode          models.Mode          `json:"mode,omitempty"`
	Winner        string               `json:"winner,omitempty"`
	RunnerUp      string               `json:"runner_up,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	MyProposal    models.MicroProposal `json:"my_proposal,omitempty"`
	OtherProposal models.MicroProposal `json:"other_proposal,omitempty"`

	// signal fields
	SoloInsufficient bool    `json:"solo_insufficient,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Basis            string  `json:"basis,omitempty"`
	ChainDepth       int     `json:"chain_depth,omitempty"`

	// peer-chat fields
	To           string `json:"to,omitempty"`
	Content      string `json:"content,omitempty"`
	ExpectsReply bool   `json:"expects_reply,omitempty"`
	Depth        int    `json:"depth,omitempty"`

	// alternate round_start envelope, seen as intent.type == "round_start"
	Intent *wireIntent `json:"intent,omitempty"`
}

// wireIntent is the alternate round_start envelope §6 documents: some
// producers nest the discriminator and trigger fields under "intent"
// instead of setting the top-level "kind".
type wireIntent struct {
	Type             string `json:"type"`
	TriggerMessageID string `json:"trigger_message_id,omitempty"`
	TriggerContent   string `json:"trigger_content,omitempty"`
}

// Decode parses a coordination record. Malformed JSON, an unrecognized
// protocol version, or an unknown kind all yield ErrDropped rather than a
// hard error — the caller drops and logs, it never treats the record as
// fatal.
func Decode(raw []byte) (Record, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrDropped, err)
	}

	if env.Protocol != "" && !acceptedProtocolVersions[env.Protocol] {
		return Record{}, fmt.Errorf("%w: unrecognized protocol %q", ErrDropped, env.Protocol)
	}

	rec := Record{
		Protocol:     env.Protocol,
		RoundID:      env.RoundID,
		SourceChatID: env.SourceChatID,
		From:         env.From,
	}

	kind := Kind(env.Kind)
	triggerMessageID, triggerContent := env.TriggerMessageID, env.TriggerContent
	if kind == KindUnknown && env.Intent != nil && env.Intent.Type != "" {
		kind = Kind(env.Intent.Type)
		if triggerMessageID == "" {
			triggerMessageID = env.Intent.TriggerMessageID
		}
		if triggerContent == "" {
			triggerContent = env.Intent.TriggerContent
		}
	}

	switch kind {
	case KindRoundStart:
		rec.Kind = KindRoundStart
		rec.RoundStart = &RoundStartPayload{
			TriggerMessageID: triggerMessageID,
			TriggerContent:   triggerContent,
		}
	case KindMicroPropose:
		var p models.MicroProposal
		if len(env.Proposal) > 0 {
			if err := json.Unmarshal(env.Proposal, &p); err != nil {
				return Record{}, fmt.Errorf("%w: bad proposal payload: %v", ErrDropped, err)
			}
		}
		rec.Kind = KindMicroPropose
		rec.MicroPropose = &MicroProposePayload{Proposal: p}
	case KindResolved:
		rec.Kind = KindResolved
		rec.Resolved = &ResolvedPayload{
			Mode:          env.Mode,
			Winner:        env.Winner,
			RunnerUp:      env.RunnerUp,
			Reason:        env.Reason,
			MyProposal:    env.MyProposal,
			OtherProposal: env.OtherProposal,
		}
	case KindSignal:
		rec.Kind = KindSignal
		rec.Signal = &SignalPayload{
			SoloInsufficient: env.SoloInsufficient,
			Confidence:       env.Confidence,
			Reason:           env.Reason,
			Basis:            env.Basis,
			ChainDepth:       env.ChainDepth,
			SourceChatID:     env.SourceChatID,
		}
	case KindQuestion, KindInform, KindFlag, KindDelegate, KindStatus:
		rec.Kind = kind
		rec.PeerChat = &PeerChatPayload{
			To:           env.To,
			Content:      env.Content,
			ExpectsReply: env.ExpectsReply,
			Depth:        env.Depth,
		}
	default:
		return Record{}, fmt.Errorf("%w: unknown kind %q", ErrDropped, kind)
	}

	return rec, nil
}

// Encode serializes a coordination record back to its wire shape. Used by
// the engine's outbound writer.
func Encode(rec Record) ([]byte, error) {
	env := wireEnvelope{
		Protocol:     rec.Protocol,
		RoundID:      rec.RoundID,
		SourceChatID: rec.SourceChatID,
		From:         rec.From,
		Kind:         string(rec.Kind),
	}

	switch rec.Kind {
	case KindRoundStart:
		if rec.RoundStart != nil {
			env.TriggerMessageID = rec.RoundStart.TriggerMessageID
			env.TriggerContent = rec.RoundStart.TriggerContent
		}
	case KindMicroPropose:
		if rec.MicroPropose != nil {
			raw, err := json.Marshal(rec.MicroPropose.Proposal)
			if err != nil {
				return nil, fmt.Errorf("coordwire: encode proposal: %w", err)
			}
			env.Proposal = raw
		}
	case KindResolved:
		if rec.Resolved != nil {
			env.Mode = rec.Resolved.Mode
			env.Winner = rec.Resolved.Winner
			env.RunnerUp = rec.Resolved.RunnerUp
			env.Reason = rec.Resolved.Reason
			env.MyProposal = rec.Resolved.MyProposal
			env.OtherProposal = rec.Resolved.OtherProposal
		}
	case KindSignal:
		if rec.Signal != nil {
			env.SoloInsufficient = rec.Signal.SoloInsufficient
			env.Confidence = rec.Signal.Confidence
			env.Reason = rec.Signal.Reason
			env.Basis = rec.Signal.Basis
			env.ChainDepth = rec.Signal.ChainDepth
		}
	case KindQuestion, KindInform, KindFlag, KindDelegate, KindStatus:
		if rec.PeerChat != nil {
			env.To = rec.PeerChat.To
			env.Content = rec.PeerChat.Content
			env.ExpectsReply = rec.PeerChat.ExpectsReply
			env.Depth = rec.PeerChat.Depth
		}
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("coordwire: encode: %w", err)
	}
	return out, nil
}
