package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/llmgateway"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/semaphore"
)

// GatewayMetrics is the inflight-call instrumentation surface. Satisfied by
// *metrics.CoordinationMetrics; nil disables instrumentation.
type GatewayMetrics interface {
	GatewayCallStarted(ctx context.Context)
	GatewayCallFinished(ctx context.Context)
}

// Proposer turns a triggering message plus enrichment context into a
// micro-proposal. A nil result with a non-nil error means "generator
// failure" per the fail-open policy.
type Proposer interface {
	GenerateProposal(ctx context.Context, triggerContent, coordHistory, peerReplies string) (*models.MicroProposal, error)
}

// errEmptyProposal is returned when the gateway exhausts its retries; the
// engine's caller treats this identically to any other generator failure.
var errEmptyProposal = errors.New("coordination: gateway returned no proposal")

// GatewayProposer is the Proposer grounded on the language-model gateway
// adapter. It threads a single session id across rounds so the gateway's
// long-lived logical session keeps context, per the note that proposal
// generation reuses a session while fast calls do not.
type GatewayProposer struct {
	client    *llmgateway.Client
	timeout   time.Duration
	sessionID string
	inflight  *semaphore.Bounded
	metrics   GatewayMetrics
}

// NewGatewayProposer builds a GatewayProposer bound to one engine instance's
// session id. inflightMax bounds concurrent gateway calls across rounds;
// metrics may be nil.
func NewGatewayProposer(client *llmgateway.Client, timeout time.Duration, sessionID string, inflightMax int, metrics GatewayMetrics) *GatewayProposer {
	return &GatewayProposer{
		client:    client,
		timeout:   timeout,
		sessionID: sessionID,
		inflight:  semaphore.New(inflightMax),
		metrics:   metrics,
	}
}

func (p *GatewayProposer) GenerateProposal(ctx context.Context, triggerContent, coordHistory, peerReplies string) (*models.MicroProposal, error) {
	prompt := buildProposalPrompt(triggerContent, coordHistory, peerReplies)

	if err := p.inflight.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("coordination: gateway inflight cap: %w", err)
	}
	if p.metrics != nil {
		p.metrics.GatewayCallStarted(ctx)
	}
	text, err := p.client.CallGateway(ctx, prompt, p.timeout, llmgateway.CallOptions{SessionID: p.sessionID})
	p.inflight.Release()
	if p.metrics != nil {
		p.metrics.GatewayCallFinished(ctx)
	}
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errEmptyProposal
	}

	var proposal models.MicroProposal
	if err := json.Unmarshal([]byte(text), &proposal); err != nil {
		return nil, fmt.Errorf("coordination: malformed proposal from gateway: %w", err)
	}
	return &proposal, nil
}

func buildProposalPrompt(triggerContent, coordHistory, peerReplies string) string {
	prompt := "A user message arrived in a shared chat you coordinate with a peer agent over. " +
		"Assess whether you should respond and from what angle. Respond with a JSON object " +
		`{"angle": string, "confidence": number 0-1, "covers": [string], "solo_sufficient": bool, "builds_on_other": bool}.` +
		"\n\nUser message:\n" + triggerContent

	if coordHistory != "" {
		prompt += "\n\nRecent coordination history:\n" + coordHistory
	}
	if peerReplies != "" {
		prompt += "\n\nRecent peer replies in this chat:\n" + peerReplies
	}
	return prompt
}
