// Package coordination drives the round state machine: it consumes inbound
// coordination events, calls the gateway to produce a local micro-proposal,
// runs the filter once both proposals are present, emits outbound
// coordination records, and raises dispatch decisions to the holder.
package coordination

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/coordwire"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/dedup"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/filter"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/roundstore"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/semaphore"
)

var tracer = otel.Tracer("coordination")

// Poster is the host-provided best-effort coordination-stream writer.
type Poster interface {
	PostCoordination(ctx context.Context, content string) error
}

// DecisionSink is the dispatch holder's decision-applying surface.
type DecisionSink interface {
	ApplyDecision(ctx context.Context, messageID string, decision models.DispatchDecision)
}

// HistoryLoader is the best-effort enrichment surface.
type HistoryLoader interface {
	LoadCoordinationHistory(ctx context.Context, sourceChatID, excludeRoundID string) string
	LoadRecentPeerReplies(ctx context.Context, sourceChatID, myName string) string
}

// Metrics is the round-lifecycle instrumentation surface. Satisfied by
// *metrics.CoordinationMetrics; nil is valid and disables instrumentation.
type Metrics interface {
	RoundStarted(ctx context.Context)
	RoundResolved(ctx context.Context, mode string, duration time.Duration)
	RoundFailOpen(ctx context.Context, reason string, duration time.Duration)
	DedupHit(ctx context.Context, window string)
}

// Config bundles the engine's tunables, all drawn from the recognized
// configuration surface.
type Config struct {
	MyName            string
	Protocol          string
	RoundDeadline     time.Duration
	CleanupDelay      time.Duration
	DepthCap          int
	GatewayTimeout    time.Duration
	Thresholds        filter.Thresholds
	Layer2InflightMax int
	ContentDedupTTL   time.Duration
	Metrics           Metrics
}

// Engine is the per-agent coordination state machine. It owns no cross-
// instance state: rounds, the register, and the peer-chat dedup window are
// all exclusive to this instance.
type Engine struct {
	cfg Config

	rounds   *roundstore.Store
	proposer Proposer
	poster   Poster
	holder   DecisionSink
	history  HistoryLoader

	peerChatDedup *dedup.Window
	layer2Sem     *semaphore.Bounded

	mu       sync.Mutex
	register map[string]*models.RegisterState
}

// New builds a Engine. rounds should be a fresh roundstore.Store owned
// exclusively by this engine instance.
func New(cfg Config, rounds *roundstore.Store, proposer Proposer, poster Poster, holder DecisionSink, history HistoryLoader) *Engine {
	return &Engine{
		cfg:           cfg,
		rounds:        rounds,
		proposer:      proposer,
		poster:        poster,
		holder:        holder,
		history:       history,
		peerChatDedup: dedup.New(),
		layer2Sem:     semaphore.New(cfg.Layer2InflightMax),
		register:      make(map[string]*models.RegisterState),
	}
}

// StartRound begins a round this instance triggers locally (the round id is
// the triggering message id), and broadcasts round_start to the peer.
func (e *Engine) StartRound(ctx context.Context, triggerMessageID, sourceChatID, triggerContent string) {
	started := e.beginRound(triggerMessageID, sourceChatID, triggerContent)
	if !started {
		return
	}

	e.postRecord(ctx, coordwire.Record{
		Protocol:     e.cfg.Protocol,
		RoundID:      triggerMessageID,
		SourceChatID: sourceChatID,
		From:         e.cfg.MyName,
		Kind:         coordwire.KindRoundStart,
		RoundStart: &coordwire.RoundStartPayload{
			TriggerMessageID: triggerMessageID,
			TriggerContent:   triggerContent,
		},
	})

	go e.runGenerator(ctx, triggerMessageID)
}

// HandleCoordinationRecord dispatches a decoded inbound coordination record
// to the appropriate handler by kind. Unknown kinds are already dropped by
// coordwire.Decode before reaching here.
func (e *Engine) HandleCoordinationRecord(ctx context.Context, rec coordwire.Record) {
	switch rec.Kind {
	case coordwire.KindRoundStart:
		e.handleRoundStart(ctx, rec)
	case coordwire.KindMicroPropose:
		e.handlePeerPropose(ctx, rec)
	case coordwire.KindResolved, coordwire.KindSignal:
		// Informational; not consumed by the state machine.
	case coordwire.KindQuestion, coordwire.KindInform, coordwire.KindFlag, coordwire.KindDelegate, coordwire.KindStatus:
		// Layer-2 gating is exposed via HandlePeerChat for the host to drive
		// its own reply pipeline; nothing to do on the state machine itself.
	}
}

func (e *Engine) handleRoundStart(ctx context.Context, rec coordwire.Record) {
	if rec.RoundStart == nil {
		return
	}
	started := e.beginRound(rec.RoundStart.TriggerMessageID, rec.SourceChatID, rec.RoundStart.TriggerContent)
	if !started {
		return
	}
	go e.runGenerator(ctx, rec.RoundStart.TriggerMessageID)
}

// beginRound inserts a fresh round state in GENERATING_PROPOSAL, arming the
// round deadline. Returns false if the round already exists (I1).
func (e *Engine) beginRound(roundID, sourceChatID, triggerContent string) bool {
	state := &models.RoundState{
		RoundID:          roundID,
		TriggerContent:   triggerContent,
		TriggerMessageID: roundID,
		SourceChatID:     sourceChatID,
		Phase:            models.PhaseGeneratingProposal,
		CreatedAt:        time.Now(),
	}
	started := e.rounds.Insert(state, e.cfg.RoundDeadline, func(id string) {
		e.onDeadline(context.Background(), id)
	})
	if started && e.cfg.Metrics != nil {
		e.cfg.Metrics.RoundStarted(context.Background())
	}
	return started
}

// onDeadline fires when a round's deadline timer expires before resolution.
func (e *Engine) onDeadline(ctx context.Context, roundID string) {
	e.mu.Lock()
	state := e.rounds.Get(roundID)
	if state == nil || state.Resolved {
		e.mu.Unlock()
		return
	}
	state.Resolved = true
	triggerMessageID := state.TriggerMessageID
	age := time.Since(state.CreatedAt)
	e.mu.Unlock()

	log.Printf(`{"level":"warn","message":"round deadline fired unresolved","round_id":"%s"}`, roundID)
	e.rounds.StartCleanup(roundID, e.cfg.CleanupDelay)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RoundFailOpen(ctx, "deadline", age)
	}

	e.holder.ApplyDecision(ctx, triggerMessageID, models.DispatchDecision{
		RoundID:          roundID,
		TriggerMessageID: triggerMessageID,
		ShouldRespond:    true,
	})
}

// runGenerator loads enrichment context and calls the proposer, then
// re-checks the round's liveness before committing the result — the round
// may have been deleted or resolved while this call was in flight.
func (e *Engine) runGenerator(ctx context.Context, roundID string) {
	ctx, span := tracer.Start(ctx, "coordination.generate_proposal")
	defer span.End()
	span.SetAttributes(attribute.String("round.id", roundID))

	state := e.rounds.Get(roundID)
	if state == nil {
		return
	}

	coordHistory := ""
	peerReplies := ""
	if e.history != nil {
		coordHistory = e.history.LoadCoordinationHistory(ctx, state.SourceChatID, roundID)
		peerReplies = e.history.LoadRecentPeerReplies(ctx, state.SourceChatID, e.cfg.MyName)
	}

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	proposal, err := e.proposer.GenerateProposal(genCtx, state.TriggerContent, coordHistory, peerReplies)
	cancel()

	e.mu.Lock()
	state = e.rounds.Get(roundID)
	if state == nil || state.Resolved {
		e.mu.Unlock()
		return
	}

	if err != nil || proposal == nil {
		state.Resolved = true
		triggerMessageID := state.TriggerMessageID
		age := time.Since(state.CreatedAt)
		e.mu.Unlock()

		span.RecordError(err)
		log.Printf(`{"level":"error","message":"proposal generation failed","round_id":"%s","error":"%v"}`, roundID, err)
		e.rounds.Delete(roundID)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RoundFailOpen(ctx, "generator_error", age)
		}
		e.holder.ApplyDecision(ctx, triggerMessageID, models.DispatchDecision{
			RoundID:          roundID,
			TriggerMessageID: triggerMessageID,
			ShouldRespond:    true,
		})
		return
	}

	state.MyProposal = proposal
	state.CoordHistory = coordHistory
	state.RecentPeerReplies = peerReplies
	sourceChatID := state.SourceChatID
	hasOther := state.OtherProposal != nil
	if hasOther {
		state.Phase = models.PhaseResolving
	} else {
		state.Phase = models.PhaseProposalPosted
	}
	e.mu.Unlock()

	e.postRecord(ctx, coordwire.Record{
		Protocol:     e.cfg.Protocol,
		RoundID:      roundID,
		SourceChatID: sourceChatID,
		From:         e.cfg.MyName,
		Kind:         coordwire.KindMicroPropose,
		MicroPropose: &coordwire.MicroProposePayload{Proposal: *proposal},
	})

	if hasOther {
		e.resolve(ctx, roundID)
	}
}

func (e *Engine) handlePeerPropose(ctx context.Context, rec coordwire.Record) {
	if rec.MicroPropose == nil || rec.RoundID == "" {
		return
	}

	e.mu.Lock()
	state := e.rounds.Get(rec.RoundID)
	if state == nil || state.Resolved {
		e.mu.Unlock()
		return
	}

	proposal := rec.MicroPropose.Proposal
	state.OtherProposal = &proposal
	state.OtherName = rec.From

	if state.MyProposal == nil {
		// I4: buffered, not dropped, until my own proposal is generated.
		e.mu.Unlock()
		return
	}

	state.Phase = models.PhaseResolving
	e.mu.Unlock()

	e.resolve(ctx, rec.RoundID)
}

// resolve is the one-shot terminal transition: run the filter, emit the
// resolved record, raise the decision, update the register.
func (e *Engine) resolve(ctx context.Context, roundID string) {
	ctx, span := tracer.Start(ctx, "coordination.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("round.id", roundID))

	e.mu.Lock()
	state := e.rounds.Get(roundID)
	if state == nil || state.Resolved || state.MyProposal == nil || state.OtherProposal == nil {
		e.mu.Unlock()
		return
	}
	state.Resolved = true
	state.Phase = models.PhaseResolved
	age := time.Since(state.CreatedAt)
	e.mu.Unlock()

	e.rounds.StartCleanup(roundID, e.cfg.CleanupDelay)

	result := filter.Resolve(*state.MyProposal, *state.OtherProposal, e.cfg.MyName, state.OtherName, e.cfg.Thresholds)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RoundResolved(ctx, string(result.Mode), age)
	}

	e.postRecord(ctx, coordwire.Record{
		Protocol:     e.cfg.Protocol,
		RoundID:      roundID,
		SourceChatID: state.SourceChatID,
		From:         e.cfg.MyName,
		Kind:         coordwire.KindResolved,
		Resolved: &coordwire.ResolvedPayload{
			Mode:          result.Mode,
			Winner:        result.Winner,
			RunnerUp:      result.RunnerUp,
			Reason:        result.Reason,
			MyProposal:    *state.MyProposal,
			OtherProposal: *state.OtherProposal,
		},
	})

	decision := e.decide(state, result)
	e.holder.ApplyDecision(ctx, state.TriggerMessageID, decision)

	if decision.ShouldRespond {
		e.updateRegister(state.SourceChatID, e.cfg.MyName, state.MyProposal.Angle)
	}
}

// decide maps a FilterResult and this instance's role (winner/runner-up)
// onto the DispatchDecision shape, per the five mode/role combinations.
func (e *Engine) decide(state *models.RoundState, result models.FilterResult) models.DispatchDecision {
	base := models.DispatchDecision{RoundID: state.RoundID, TriggerMessageID: state.TriggerMessageID}
	iAmWinner := result.Winner == e.cfg.MyName

	switch result.Mode {
	case models.ModeSolo:
		if iAmWinner {
			base.ShouldRespond = true
			base.SynthesizeContext = fmt.Sprintf(
				"[coordination resolved. your angle: %s; peer angle: %s; you were selected (%s).]",
				state.MyProposal.Angle, state.OtherProposal.Angle, result.Reason)
			return base
		}
		base.CancelPending = true
		return base

	case models.ModeParallel:
		base.ShouldRespond = true
		base.SynthesizeContext = fmt.Sprintf(
			"[coordination resolved. focus on your unique angle: %s. peer is covering: %s.]",
			state.MyProposal.Angle, state.OtherProposal.Angle)
		return base

	case models.ModeSynthesis:
		if iAmWinner {
			base.ShouldRespond = true
			base.SynthesizeContext = "[you go first; peer will build on you]"
			return base
		}
		base.WaitForResponse = &models.WaitForResponse{
			WinnerName: result.Winner,
			My:         *state.MyProposal,
			Other:      *state.OtherProposal,
		}
		return base
	}

	base.CancelPending = true
	return base
}

func (e *Engine) updateRegister(sourceChatID, agent, angle string) {
	if sourceChatID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.register[sourceChatID]
	if !ok {
		reg = &models.RegisterState{}
		e.register[sourceChatID] = reg
	}
	reg.PushAngle(agent, angle)
}

// Register returns a copy of the advisory register for sourceChatID, or a
// zero-value RegisterState if nothing has been recorded yet. Used only to
// enrich proposal prompts; never consulted by the filter.
func (e *Engine) Register(sourceChatID string) models.RegisterState {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.register[sourceChatID]
	if !ok {
		return models.RegisterState{}
	}
	return *reg
}

func (e *Engine) postRecord(ctx context.Context, rec coordwire.Record) {
	raw, err := coordwire.Encode(rec)
	if err != nil {
		log.Printf(`{"level":"error","message":"failed to encode outbound record","kind":"%s","error":"%v"}`, rec.Kind, err)
		return
	}
	if err := e.poster.PostCoordination(ctx, string(raw)); err != nil {
		log.Printf(`{"level":"warn","message":"postCoordination failed","kind":"%s","error":"%v"}`, rec.Kind, err)
	}
}

// HandlePeerChat applies the layer-2 gating rule: drop while any round is
// unresolved; otherwise address-filter, dedup, and depth-cap before
// admitting the record through the bounded semaphore. release must be
// called by the caller once its reply (or decision not to reply) completes;
// it is nil when permitted is false.
func (e *Engine) HandlePeerChat(ctx context.Context, rec coordwire.Record) (permitted bool, release func()) {
	if rec.PeerChat == nil {
		return false, nil
	}
	if e.rounds.AnyUnresolved() {
		return false, nil
	}
	if rec.PeerChat.To != "" && rec.PeerChat.To != e.cfg.MyName {
		return false, nil
	}
	if rec.PeerChat.Depth > e.cfg.DepthCap {
		return false, nil
	}

	key := rec.From + "|" + truncate(rec.PeerChat.Content, 120)
	if e.peerChatDedup.Mark(key, e.cfg.ContentDedupTTL) {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.DedupHit(ctx, "content")
		}
		return false, nil
	}

	if err := e.layer2Sem.Acquire(ctx); err != nil {
		return false, nil
	}
	return true, e.layer2Sem.Release
}

// RoundSnapshots returns a redacted view of every currently-live round, for
// the operator debug surface. It holds the same mutex that guards round
// mutation, so it never observes a round mid-transition, but the critical
// section is just a handful of field reads — short enough not to stall the
// engine noticeably.
func (e *Engine) RoundSnapshots() []models.RoundSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	ptrs := e.rounds.Snapshot()
	out := make([]models.RoundSnapshot, 0, len(ptrs))
	for _, s := range ptrs {
		snap := models.RoundSnapshot{
			RoundID:      s.RoundID,
			SourceChatID: s.SourceChatID,
			Phase:        s.Phase,
			Resolved:     s.Resolved,
			CreatedAt:    s.CreatedAt,
			OtherName:    s.OtherName,
		}
		if s.MyProposal != nil {
			snap.MyAngle = s.MyProposal.Angle
			snap.MyConfidence = s.MyProposal.Confidence
		}
		if s.OtherProposal != nil {
			snap.OtherAngle = s.OtherProposal.Angle
			snap.OtherConfidence = s.OtherProposal.Confidence
		}
		out = append(out, snap)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
