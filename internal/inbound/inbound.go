// Package inbound implements Reliable Inbound: the layer that turns a
// duplicative, possibly-missing realtime stream into exactly-once local
// handler invocation via dedup + durable-row CAS claim + poll safety-net +
// reconnect.
package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/chatstore"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/dedup"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/transport"
)

var tracer = otel.Tracer("inbound")

// DispatchCallback is invoked exactly once per logical dispatch event.
type DispatchCallback func(chatID, text, userID, messageID, speaker string)

// CoordinationCallback is invoked once per coordination frame received on
// the shared stream; it does not go through the dedup window (the
// coordination engine's own round-id/resolved checks are the dedup gate for
// that stream).
type CoordinationCallback func(raw []byte)

// dispatchFrame is the wire shape on the fast-path dispatch stream.
type dispatchFrame struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	Speaker   string `json:"speaker"`
	MessageID string `json:"message_id"`
}

// Store is the durable-row surface Reliable Inbound depends on. Satisfied
// by *chatstore.Store; narrowed to an interface here so tests can fake it.
type Store interface {
	ClaimPending(ctx context.Context, botID, messageID string) (bool, chatstore.DispatchRow, error)
	BulkQuarantineBefore(ctx context.Context, botID string, bootTime time.Time) (int64, error)
	PollPending(ctx context.Context, botID string, limit int) ([]chatstore.DispatchRow, error)
	Ping(ctx context.Context) error
}

// Metrics is the poll-path instrumentation surface. Satisfied by
// *metrics.CoordinationMetrics; nil disables instrumentation.
type Metrics interface {
	PollClaim(ctx context.Context, n int)
	PollQuarantined(ctx context.Context, n int64)
	DedupHit(ctx context.Context, window string)
}

// Inbound owns the id-window dedup gate and the durable store it uses for
// the CAS claim, boot quarantine, and safety-net poll. One Inbound exists
// per agent instance; its state is not shared across instances.
type Inbound struct {
	BotID string

	store       Store
	dispatchURL string
	coordURL    string
	header      http.Header

	idWindow *dedup.Window
	idTTL    time.Duration

	bootTime time.Time

	onDispatch     DispatchCallback
	onCoordination CoordinationCallback

	pollInterval   time.Duration
	healthInterval time.Duration
	pollLimit      int

	metrics Metrics
}

// Config bundles Inbound's tunables.
type Config struct {
	BotID          string
	DispatchURL    string
	CoordURL       string
	Header         http.Header
	IDTTL          time.Duration
	PollInterval   time.Duration
	HealthInterval time.Duration
	PollLimit      int
	Metrics        Metrics
}

// New creates an Inbound bound to a durable store and the two stream URLs.
func New(store Store, cfg Config, onDispatch DispatchCallback, onCoordination CoordinationCallback) *Inbound {
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 50
	}
	return &Inbound{
		BotID:          cfg.BotID,
		store:          store,
		dispatchURL:    cfg.DispatchURL,
		coordURL:       cfg.CoordURL,
		header:         cfg.Header,
		idWindow:       dedup.New(),
		idTTL:          cfg.IDTTL,
		bootTime:       time.Now(),
		onDispatch:     onDispatch,
		onCoordination: onCoordination,
		pollInterval:   cfg.PollInterval,
		healthInterval: cfg.HealthInterval,
		pollLimit:      cfg.PollLimit,
		metrics:        cfg.Metrics,
	}
}

// Quarantine bulk-marks every row created before this instance's boot
// timestamp as handled, without invoking the dispatch callback. Call once
// at startup before the supervisor's connect loop begins.
func (in *Inbound) Quarantine(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "inbound.quarantine")
	defer span.End()

	n, err := in.store.BulkQuarantineBefore(ctx, in.BotID, in.bootTime)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"error","message":"boot quarantine failed","error":"%v"}`, err)
		return fmt.Errorf("inbound: quarantine: %w", err)
	}
	span.SetAttributes(attribute.Int64("inbound.quarantined_rows", n))
	log.Printf(`{"level":"info","message":"boot quarantine complete","rows":%d}`, n)
	if in.metrics != nil {
		in.metrics.PollQuarantined(ctx, n)
	}
	return nil
}

// RunBackground starts the safety-net poll and health-keepalive loops; both
// run independently of the fast-path connection lifecycle and stop when ctx
// is cancelled.
func (in *Inbound) RunBackground(ctx context.Context) {
	go in.pollLoop(ctx)
	go in.healthLoop(ctx)
}

func (in *Inbound) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(in.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.pollOnce(ctx)
		}
	}
}

func (in *Inbound) pollOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "inbound.poll_once")
	defer span.End()

	rows, err := in.store.PollPending(ctx, in.BotID, in.pollLimit)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"warn","message":"safety net poll failed","error":"%v"}`, err)
		return
	}
	if in.metrics != nil {
		in.metrics.PollClaim(ctx, len(rows))
	}

	for _, row := range rows {
		if row.CreatedAt.Before(in.bootTime) {
			continue // already covered by boot quarantine; defensive, should not occur
		}
		in.deliverClaimed(ctx, row.MessageID, row.ChatID, row.Text, row.UserID, row.Speaker)
	}
}

func (in *Inbound) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(in.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := in.store.Ping(ctx); err != nil {
				log.Printf(`{"level":"warn","message":"health keepalive failed","error":"%v"}`, err)
			}
		}
	}
}

// Session is one fast-path connection attempt, dialed by the Reconnect
// Supervisor. A stale Session must be closed before a new one is created —
// a non-awaited Close leaves ghost subscriptions that deliver duplicates.
type Session struct {
	in           *Inbound
	dispatchConn *transport.Stream
	coordConn    *transport.Stream
}

// Connect dials both streams for a fresh session.
func (in *Inbound) Connect(ctx context.Context) (*Session, error) {
	dispatchConn := transport.New(in.dispatchURL, in.header)
	if err := dispatchConn.Dial(ctx); err != nil {
		return nil, fmt.Errorf("inbound: connect dispatch stream: %w", err)
	}

	coordConn := transport.New(in.coordURL, in.header)
	if err := coordConn.Dial(ctx); err != nil {
		dispatchConn.Close()
		return nil, fmt.Errorf("inbound: connect coordination stream: %w", err)
	}

	return &Session{in: in, dispatchConn: dispatchConn, coordConn: coordConn}, nil
}

// Run blocks both read loops until either dies, returning the first
// terminal error observed.
func (s *Session) Run() error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- s.dispatchConn.ReadLoop(func(data []byte) {
			s.in.handleDispatchFrame(data)
		})
	}()
	go func() {
		errCh <- s.coordConn.ReadLoop(func(data []byte) {
			s.in.onCoordination(data)
		})
	}()

	return <-errCh
}

// Close disconnects both streams. Must be awaited before the supervisor
// dials a replacement session.
func (s *Session) Close() error {
	err1 := s.dispatchConn.Close()
	err2 := s.coordConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (in *Inbound) handleDispatchFrame(data []byte) {
	var frame dispatchFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf(`{"level":"warn","message":"malformed dispatch frame","error":"%v"}`, err)
		return
	}
	in.deliverFastPath(frame.MessageID, frame.ChatID, frame.Text, frame.Speaker)
}

// deliverFastPath is the fast path: mark-then-invoke, no claim. The claim
// happens only on the poll path, which is the only path that competes with
// other instances over the same row; the fast path is per-agent and does
// not race.
func (in *Inbound) deliverFastPath(messageID, chatID, text, speaker string) {
	if in.idWindow.Mark(messageID, in.idTTL) {
		if in.metrics != nil {
			in.metrics.DedupHit(context.Background(), "id")
		}
		return
	}
	in.onDispatch(chatID, text, "", messageID, speaker)
}

// deliverClaimed is the safety-net poll path: CAS claim before invoking,
// then the same local dedup gate as the fast path.
func (in *Inbound) deliverClaimed(ctx context.Context, messageID, chatID, text, userID, speaker string) {
	claimed, _, err := in.store.ClaimPending(ctx, in.BotID, messageID)
	if err != nil {
		// Claim failures are fail-open for the local handler: the claim is
		// best-effort cross-instance dedup, the id window is the hard gate.
		log.Printf(`{"level":"warn","message":"claim failed, invoking anyway","error":"%v"}`, err)
	} else if !claimed {
		return // CAS lost: another path already owns this invocation
	}

	if in.idWindow.Mark(messageID, in.idTTL) {
		if in.metrics != nil {
			in.metrics.DedupHit(ctx, "id")
		}
		return
	}
	in.onDispatch(chatID, text, userID, messageID, speaker)
}
