package models

import "time"

// MicroProposal is an agent's self-assessment for a negotiation round.
type MicroProposal struct {
	Angle          string   `json:"angle"`
	Confidence     float64  `json:"confidence"`
	Covers         []string `json:"covers"`
	SoloSufficient bool     `json:"solo_sufficient"`
	BuildsOnOther  bool     `json:"builds_on_other,omitempty"`
}

// Mode is the dispatch mode chosen by the proposal filter.
type Mode string

const (
	ModeSolo      Mode = "solo"
	ModeParallel  Mode = "parallel"
	ModeSynthesis Mode = "synthesis"
)

// FilterResult is the pure output of the proposal filter.
type FilterResult struct {
	Mode      Mode
	Winner    string
	RunnerUp  string
	Reason    string
	Proposals map[string]MicroProposal
}

// WaitForResponse carries the context a runner-up needs while it waits for
// the winner's reply in synthesis mode.
type WaitForResponse struct {
	WinnerName string
	My         MicroProposal
	Other      MicroProposal
}

// DispatchDecision is raised by the Coordination Engine to the Dispatch Holder.
type DispatchDecision struct {
	RoundID           string
	TriggerMessageID  string
	ShouldRespond     bool
	SynthesizeContext string
	CancelPending     bool
	WaitForResponse   *WaitForResponse
}

// RoundPhase is the Coordination Engine's per-round state.
type RoundPhase string

const (
	PhaseNone               RoundPhase = "none"
	PhaseGeneratingProposal RoundPhase = "generating_proposal"
	PhaseProposalPosted     RoundPhase = "proposal_posted"
	PhaseResolving          RoundPhase = "resolving"
	PhaseResolved           RoundPhase = "resolved"
)

// RoundState is the per-round state record the Coordination Engine owns.
type RoundState struct {
	RoundID          string
	TriggerContent   string
	TriggerMessageID string
	SourceChatID     string

	Phase RoundPhase

	MyProposal    *MicroProposal
	OtherProposal *MicroProposal
	OtherName     string

	CoordHistory       string
	RecentPeerReplies  string

	Resolved bool

	CreatedAt time.Time
}

// RoundSnapshot is the redacted, operator-facing view of a live round:
// proposal text is dropped, leaving only angle and confidence.
type RoundSnapshot struct {
	RoundID        string     `json:"round_id"`
	SourceChatID   string     `json:"source_chat_id"`
	Phase          RoundPhase `json:"phase"`
	Resolved       bool       `json:"resolved"`
	CreatedAt      time.Time  `json:"created_at"`
	MyAngle        string     `json:"my_angle,omitempty"`
	MyConfidence   float64    `json:"my_confidence,omitempty"`
	OtherName      string     `json:"other_name,omitempty"`
	OtherAngle     string     `json:"other_angle,omitempty"`
	OtherConfidence float64   `json:"other_confidence,omitempty"`
}

// RegisterEntry is one advisory per-chat "who spoke, with what angle" record.
type RegisterEntry struct {
	Agent string
	Angle string
}

// RegisterState is advisory per-chat context, never consulted by the filter.
type RegisterState struct {
	LastResponder string
	RecentAngles  []RegisterEntry // newest-first, bounded to 5, unique by Agent
}

// PushAngle records a new angle, deduplicating by agent and truncating to 5.
func (r *RegisterState) PushAngle(agent, angle string) {
	filtered := make([]RegisterEntry, 0, len(r.RecentAngles)+1)
	filtered = append(filtered, RegisterEntry{Agent: agent, Angle: angle})
	for _, e := range r.RecentAngles {
		if e.Agent == agent {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) > 5 {
		filtered = filtered[:5]
	}
	r.RecentAngles = filtered
	r.LastResponder = agent
}

// PendingDispatch is the holder's per-trigger entry for a held user message.
type PendingDispatch struct {
	MessageID string
	ChatID    string
	Text      string
	UserID    string
	CreatedAt time.Time
}
