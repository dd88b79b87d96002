// Package history provides best-effort reads that enrich proposal prompts
// with prior rounds and recent peer replies. Every operation degrades
// gracefully to an empty result on failure; nothing here may block a round.
package history

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/chatstore"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/coordwire"
)

const (
	maxHistoryChars   = 8000
	maxHistoryRounds  = 5
	maxPeerReplyChars = 4000
	perAgentReplies   = 2
	perReplyTruncate  = 500
)

// Store is the durable-row surface the History Loader reads and writes.
type Store interface {
	ReadCoordinationHistory(ctx context.Context, sourceChatID string, limit int) ([]chatstore.CoordinationRow, error)
	ListRecentSpeakers(ctx context.Context, sourceChatID, excludeName string) ([]string, error)
	ListRecentReplyContents(ctx context.Context, sourceChatID, speaker string, limit int) ([]string, error)
	WriteResponseSummary(ctx context.Context, row chatstore.ResponseSummaryRow) error
	ReadResponseSummary(ctx context.Context, roundID, speaker string) (*chatstore.ResponseSummaryRow, error)
}

// Loader reads and writes the best-effort context used to enrich prompts.
type Loader struct {
	store        Store
	pollInterval time.Duration
}

// New creates a Loader over a durable store, polling at the default 500ms
// cadence while waiting for a peer's response summary.
func New(store Store) *Loader {
	return &Loader{store: store, pollInterval: 500 * time.Millisecond}
}

// NewWithPollInterval is New with an explicit synthesis-wait poll cadence,
// matching the recognized configuration surface's synthesis_poll_ms.
func NewWithPollInterval(store Store, pollInterval time.Duration) *Loader {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Loader{store: store, pollInterval: pollInterval}
}

// LoadCoordinationHistory groups the last rounds' coordination records by
// round id, skipping excludeRoundID, projecting per round a few summary
// lines, capped at maxHistoryRounds rounds and maxHistoryChars characters.
// On any failure it returns an empty string, never an error to the caller.
func (l *Loader) LoadCoordinationHistory(ctx context.Context, sourceChatID, excludeRoundID string) string {
	rows, err := l.store.ReadCoordinationHistory(ctx, sourceChatID, 50)
	if err != nil {
		log.Printf(`{"level":"warn","message":"coordination history load failed","error":"%v"}`, err)
		return ""
	}

	byRound := make(map[string][]string)
	order := make([]string, 0)
	for _, row := range rows {
		if row.RoundID == "" || row.RoundID == excludeRoundID {
			continue
		}
		line := summarizeRecord(row)
		if line == "" {
			continue
		}
		if _, seen := byRound[row.RoundID]; !seen {
			order = append(order, row.RoundID)
		}
		byRound[row.RoundID] = append(byRound[row.RoundID], line)
	}

	var b strings.Builder
	rounds := 0
	for _, roundID := range order {
		if rounds >= maxHistoryRounds {
			break
		}
		block := fmt.Sprintf("round %s:\n%s\n", roundID, strings.Join(byRound[roundID], "\n"))
		if b.Len()+len(block) > maxHistoryChars {
			break
		}
		b.WriteString(block)
		rounds++
	}
	return b.String()
}

func summarizeRecord(row chatstore.CoordinationRow) string {
	rec, err := coordwire.Decode(row.Payload)
	if err != nil {
		return ""
	}
	switch rec.Kind {
	case coordwire.KindRoundStart:
		if rec.RoundStart != nil {
			return fmt.Sprintf("- intent: %s", truncate(rec.RoundStart.TriggerContent, perReplyTruncate))
		}
	case coordwire.KindMicroPropose:
		if rec.MicroPropose != nil {
			return fmt.Sprintf("- proposal: angle=%q confidence=%.2f", rec.MicroPropose.Proposal.Angle, rec.MicroPropose.Proposal.Confidence)
		}
	case coordwire.KindResolved:
		if rec.Resolved != nil {
			return fmt.Sprintf("- resolved: mode=%s winner=%s reason=%s", rec.Resolved.Mode, rec.Resolved.Winner, rec.Resolved.Reason)
		}
	}
	return ""
}

// LoadRecentPeerReplies discovers other agent names that have written a
// response summary in sourceChatID and pulls a bounded window of their
// recent replies, for enriching this instance's proposal prompt.
func (l *Loader) LoadRecentPeerReplies(ctx context.Context, sourceChatID, myName string) string {
	names, err := l.store.ListRecentSpeakers(ctx, sourceChatID, myName)
	if err != nil {
		log.Printf(`{"level":"warn","message":"recent peer reply discovery failed","error":"%v"}`, err)
		return ""
	}

	var b strings.Builder
	for _, name := range names {
		if b.Len() >= maxPeerReplyChars {
			break
		}
		contents, err := l.store.ListRecentReplyContents(ctx, sourceChatID, name, perAgentReplies)
		if err != nil {
			log.Printf(`{"level":"warn","message":"recent peer reply fetch failed","speaker":"%s","error":"%v"}`, name, err)
			continue
		}
		for _, content := range contents {
			line := fmt.Sprintf("%s: %s\n", name, truncate(content, perReplyTruncate))
			if b.Len()+len(line) > maxPeerReplyChars {
				return b.String()
			}
			b.WriteString(line)
		}
	}
	return b.String()
}

// WriteResponseSummary is a fire-and-forget write; content is truncated to
// 500 characters. Failures are logged, never surfaced to the caller.
func (l *Loader) WriteResponseSummary(ctx context.Context, coordChatID, roundID, speaker, content, sourceChatID string) {
	err := l.store.WriteResponseSummary(ctx, chatstore.ResponseSummaryRow{
		CoordChatID:  coordChatID,
		RoundID:      roundID,
		Speaker:      speaker,
		Content:      truncate(content, perReplyTruncate),
		SourceChatID: sourceChatID,
	})
	if err != nil {
		log.Printf(`{"level":"warn","message":"write response summary failed","error":"%v"}`, err)
	}
}

// WaitForResponseSummary polls the sink at the configured cadence for up to
// timeout, returning the matching content or "" if the timeout elapses
// first.
func (l *Loader) WaitForResponseSummary(ctx context.Context, roundID, speakerName string, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		row, err := l.store.ReadResponseSummary(ctx, roundID, speakerName)
		if err == nil && row != nil {
			return row.Content
		}
		if time.Now().After(deadline) {
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
