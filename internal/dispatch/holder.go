// Package dispatch implements the Dispatch Holder: it gates a held
// user-visible reply on the coordination decision, with a backstop timer so
// the user is never left waiting indefinitely.
package dispatch

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/dedup"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
)

// Pipeline invokes the actual reply: it is the host's dispatchReply.
// roundID is empty when the dispatch was never gated on a coordination
// decision (the plain backstop path); callers that want to publish the
// authored reply back through WriteReply need it non-empty.
type Pipeline func(ctx context.Context, chatID, text, userID, roundID string)

// SummarySink is the response-summary surface the holder reads and writes
// while gating a synthesis runner-up's dispatch.
type SummarySink interface {
	WriteResponseSummary(ctx context.Context, coordChatID, roundID, speaker, content, sourceChatID string)
	WaitForResponseSummary(ctx context.Context, roundID, speakerName string, timeout time.Duration) string
}

// Metrics is the dispatch-outcome instrumentation surface. Satisfied by
// *metrics.CoordinationMetrics; nil disables instrumentation.
type Metrics interface {
	DispatchReply(ctx context.Context, outcome string)
	DedupHit(ctx context.Context, window string)
}

// Config bundles Holder's tunables, all grounded in the recognized timing
// surface.
type Config struct {
	MyName          string
	Backstop        time.Duration // default 10s
	DeferBackstop   time.Duration // default 8s
	SynthesisWait   time.Duration // default 15s
	DispatchedTTL   time.Duration // default 60s
	Metrics         Metrics
}

type entry struct {
	chatID     string
	text       string
	userID     string
	timer      *time.Timer
	dispatched bool
}

// Holder gates held user messages on the coordination decision.
type Holder struct {
	cfg      Config
	pipeline Pipeline
	sink     SummarySink

	mu      sync.Mutex
	pending map[string]*entry

	dispatchedWindow *dedup.Window
}

// New creates a Holder.
func New(cfg Config, pipeline Pipeline, sink SummarySink) *Holder {
	return &Holder{
		cfg:              cfg,
		pipeline:         pipeline,
		sink:             sink,
		pending:          make(map[string]*entry),
		dispatchedWindow: dedup.New(),
	}
}

// Hold registers a held message and arms the backstop timer. If the
// message is already held or already dispatched, it is dropped silently.
func (h *Holder) Hold(ctx context.Context, messageID, chatID, text, userID string) {
	h.mu.Lock()
	if h.dispatchedWindow.Seen(messageID) {
		h.mu.Unlock()
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.DedupHit(ctx, "dispatched")
		}
		return
	}
	if _, exists := h.pending[messageID]; exists {
		h.mu.Unlock()
		return
	}

	e := &entry{chatID: chatID, text: text, userID: userID}
	e.timer = time.AfterFunc(h.cfg.Backstop, func() {
		h.fireBackstop(ctx, messageID)
	})
	h.pending[messageID] = e
	h.mu.Unlock()
}

func (h *Holder) fireBackstop(ctx context.Context, messageID string) {
	h.mu.Lock()
	e, ok := h.pending[messageID]
	if !ok || e.dispatched {
		h.mu.Unlock()
		return
	}
	e.dispatched = true
	chatID, text, userID := e.chatID, e.text, e.userID
	delete(h.pending, messageID)
	h.markDispatched(messageID)
	h.mu.Unlock()

	log.Printf(`{"level":"info","message":"backstop fired","message_id":"%s"}`, messageID)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.DispatchReply(ctx, "backstop")
	}
	h.pipeline(ctx, chatID, text, userID, "")
}

// ApplyDecision applies a coordination decision to a held message.
func (h *Holder) ApplyDecision(ctx context.Context, messageID string, decision models.DispatchDecision) {
	h.mu.Lock()
	e, ok := h.pending[messageID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	switch {
	case decision.ShouldRespond:
		h.dispatchNow(ctx, messageID, e, decision)
	case decision.CancelPending:
		e.dispatched = true
		delete(h.pending, messageID)
		h.markDispatched(messageID)
		h.mu.Unlock()
		log.Printf(`{"level":"info","message":"pending dispatch cancelled","message_id":"%s"}`, messageID)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.DispatchReply(ctx, "cancelled")
		}
	case decision.WaitForResponse != nil:
		h.mu.Unlock()
		h.waitThenDispatch(ctx, messageID, decision)
	default:
		// Initial defer: the peer's terminal decision never arrived yet.
		h.armDeferBackstop(ctx, messageID, e)
		h.mu.Unlock()
	}
}

// dispatchNow must be called with h.mu held; it unlocks before invoking the
// pipeline so the pipeline call (which may itself take time) never blocks
// other holder operations.
func (h *Holder) dispatchNow(ctx context.Context, messageID string, e *entry, decision models.DispatchDecision) {
	e.dispatched = true
	chatID, userID := e.chatID, e.userID
	text := e.text
	if decision.SynthesizeContext != "" {
		text = decision.SynthesizeContext + "\n\n" + e.text
	}
	delete(h.pending, messageID)
	h.markDispatched(messageID)
	h.mu.Unlock()

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.DispatchReply(ctx, "decision")
	}
	h.sink.WriteResponseSummary(ctx, chatID, decision.RoundID, h.cfg.MyName, responseSummaryStub(text), chatID)
	h.pipeline(ctx, chatID, text, userID, decision.RoundID)
}

// responseSummaryStub derives the summary content written for peers'
// synthesis waits. The actual reply text is not known to the holder (the
// pipeline authors it); callers that know the real reply should prefer
// WriteReply below over relying on this stub.
func responseSummaryStub(prompt string) string {
	if len(prompt) > 500 {
		return prompt[:500]
	}
	return prompt
}

// WriteReply lets the pipeline report the actual authored reply once it has
// one, overwriting the stub summary written at dispatch time. This is the
// mechanism by which a winner's real reply becomes visible to a runner-up's
// synthesis wait.
func (h *Holder) WriteReply(ctx context.Context, roundID, chatID, reply string) {
	h.sink.WriteResponseSummary(ctx, chatID, roundID, h.cfg.MyName, reply, chatID)
}

func (h *Holder) waitThenDispatch(ctx context.Context, messageID string, decision models.DispatchDecision) {
	wait := decision.WaitForResponse
	content := h.sink.WaitForResponseSummary(ctx, decision.RoundID, wait.WinnerName, h.cfg.SynthesisWait)

	h.mu.Lock()
	e, ok := h.pending[messageID]
	if !ok {
		h.mu.Unlock()
		return
	}
	e.dispatched = true
	chatID, userID, text := e.chatID, e.userID, e.text
	delete(h.pending, messageID)
	h.markDispatched(messageID)
	h.mu.Unlock()

	var context_ string
	if content != "" {
		context_ = "[peer went first; here is their reply to build on: " + content + "]"
	} else {
		context_ = "[peer's reply did not arrive in time; respond with your own angle: " + wait.My.Angle + "]"
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.DispatchReply(ctx, "synthesis_wait")
	}
	h.pipeline(ctx, chatID, context_+"\n\n"+text, userID, decision.RoundID)
}

func (h *Holder) armDeferBackstop(ctx context.Context, messageID string, e *entry) {
	e.timer = time.AfterFunc(h.cfg.DeferBackstop, func() {
		h.fireBackstop(ctx, messageID)
	})
}

// markDispatched must be called with h.mu held.
func (h *Holder) markDispatched(messageID string) {
	h.dispatchedWindow.Mark(messageID, h.cfg.DispatchedTTL)
}

// HardRoutingBypass inspects text for an @name mention preceding
// coordination. If the mention names myName, it returns (true, true):
// dispatch immediately, skip coordination. If it names someone else, it
// returns (true, false): drop without dispatching. If there is no
// mention, it returns (false, false): proceed to coordination.
func HardRoutingBypass(text, myName string, otherNames []string) (mentioned bool, isMe bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "@") {
		return false, false
	}
	rest := trimmed[1:]
	if strings.HasPrefix(rest, myName) {
		return true, true
	}
	for _, other := range otherNames {
		if strings.HasPrefix(rest, other) {
			return true, false
		}
	}
	return false, false
}
