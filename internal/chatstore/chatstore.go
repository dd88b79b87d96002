// Package chatstore is the pgx-backed durable row store: the CAS-claimed
// dispatch rows Reliable Inbound depends on, the response-summary sink the
// History Loader and Dispatch Holder read and write, and the coordination
// record history peers replay into their proposal prompts.
package chatstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("chatstore")

// DispatchRow is a durable row the safety-net poll and CAS claim operate on.
type DispatchRow struct {
	BotID     string
	MessageID string
	ChatID    string
	UserID    string
	Speaker   string
	Text      string
	Status    string
	CreatedAt time.Time
	HandledAt *time.Time
}

// ResponseSummaryRow is one entry in the response-summary sink.
type ResponseSummaryRow struct {
	CoordChatID  string
	RoundID      string
	Speaker      string
	Content      string
	SourceChatID string
	CreatedAt    time.Time
}

// CoordinationRow is a persisted coordination record, used by the History
// Loader to replay prior rounds.
type CoordinationRow struct {
	SourceChatID string
	RoundID      string
	Kind         string
	Payload      []byte
	CreatedAt    time.Time
}

// Store wraps a pgx connection pool with the queries the sidecar needs.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres, retrying with a fixed sleep like the teacher's
// boot-time connection loop, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	var pool *pgxpool.Pool
	var err error

	for attempt := 1; attempt <= 10; attempt++ {
		pool, err = pgxpool.New(ctx, databaseURL)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
		}
		time.Sleep(3 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("chatstore: failed to connect after retries: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity, used by the operator surface's
// readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ClaimPending attempts the CAS claim: update status='handled' only if the
// row is still pending. A false claimed return with a nil error means the
// row was already claimed by another path — that is success, not failure
// (§7 "CAS lost").
func (s *Store) ClaimPending(ctx context.Context, botID, messageID string) (claimed bool, row DispatchRow, err error) {
	ctx, span := tracer.Start(ctx, "chatstore.claim_pending")
	defer span.End()
	span.SetAttributes(attribute.String("bot.id", botID), attribute.String("message.id", messageID))

	query := `
		UPDATE dispatch_rows
		SET status = 'handled', handled_at = now()
		WHERE bot_id = $1 AND message_id = $2 AND status = 'pending'
		RETURNING bot_id, message_id, chat_id, user_id, speaker, text, status, created_at, handled_at
	`
	r := s.pool.QueryRow(ctx, query, botID, messageID)
	if err = scanDispatchRow(r, &row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, DispatchRow{}, nil
		}
		span.RecordError(err)
		return false, DispatchRow{}, fmt.Errorf("chatstore: claim pending: %w", err)
	}
	return true, row, nil
}

// BulkQuarantineBefore bulk-marks as handled every pending row created
// before bootTime, without returning them for callback invocation. This
// implements the boot-time quarantine.
func (s *Store) BulkQuarantineBefore(ctx context.Context, botID string, bootTime time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "chatstore.bulk_quarantine")
	defer span.End()

	query := `
		UPDATE dispatch_rows
		SET status = 'handled', handled_at = now()
		WHERE bot_id = $1 AND status = 'pending' AND created_at < $2
	`
	tag, err := s.pool.Exec(ctx, query, botID, bootTime)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("chatstore: bulk quarantine: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PollPending is the 5s safety-net poll's source query: rows still pending
// for this agent, oldest first.
func (s *Store) PollPending(ctx context.Context, botID string, limit int) ([]DispatchRow, error) {
	ctx, span := tracer.Start(ctx, "chatstore.poll_pending")
	defer span.End()

	query := `
		SELECT bot_id, message_id, chat_id, user_id, speaker, text, status, created_at, handled_at
		FROM dispatch_rows
		WHERE bot_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, botID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("chatstore: poll pending: %w", err)
	}
	defer rows.Close()

	var out []DispatchRow
	for rows.Next() {
		var row DispatchRow
		if err := scanDispatchRow(rows, &row); err != nil {
			return nil, fmt.Errorf("chatstore: scan pending row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// WriteResponseSummary is a fire-and-forget write to the summary sink. The
// caller (Dispatch Holder / History Loader) treats a returned error as
// best-effort: log it, never block dispatch on it.
func (s *Store) WriteResponseSummary(ctx context.Context, row ResponseSummaryRow) error {
	ctx, span := tracer.Start(ctx, "chatstore.write_response_summary")
	defer span.End()

	content := row.Content
	if len(content) > 500 {
		content = content[:500]
	}

	query := `
		INSERT INTO response_summaries (coord_chat_id, round_id, speaker, content, source_chat_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (round_id, speaker) DO UPDATE SET content = EXCLUDED.content, created_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, row.CoordChatID, row.RoundID, row.Speaker, content, row.SourceChatID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("chatstore: write response summary: %w", err)
	}
	return nil
}

// ReadResponseSummary reads the sink for a (round_id, speaker) pair. Returns
// (nil, nil) if no row exists yet — that is the normal "not written yet"
// case the synthesis-wait poll expects, not an error.
func (s *Store) ReadResponseSummary(ctx context.Context, roundID, speaker string) (*ResponseSummaryRow, error) {
	ctx, span := tracer.Start(ctx, "chatstore.read_response_summary")
	defer span.End()

	query := `
		SELECT coord_chat_id, round_id, speaker, content, source_chat_id, created_at
		FROM response_summaries
		WHERE round_id = $1 AND speaker = $2
	`
	var row ResponseSummaryRow
	var sourceChatID *string
	err := s.pool.QueryRow(ctx, query, roundID, speaker).Scan(
		&row.CoordChatID, &row.RoundID, &row.Speaker, &row.Content, &sourceChatID, &row.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("chatstore: read response summary: %w", err)
	}
	if sourceChatID != nil {
		row.SourceChatID = *sourceChatID
	}
	return &row, nil
}

// ListRecentSpeakers returns distinct speakers who have written a response
// summary in sourceChatID other than excludeName, most recent first.
func (s *Store) ListRecentSpeakers(ctx context.Context, sourceChatID, excludeName string) ([]string, error) {
	query := `
		SELECT speaker FROM response_summaries
		WHERE source_chat_id = $1 AND speaker != $2
		GROUP BY speaker
		ORDER BY max(created_at) DESC
	`
	rows, err := s.pool.Query(ctx, query, sourceChatID, excludeName)
	if err != nil {
		return nil, fmt.Errorf("chatstore: list recent speakers: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("chatstore: scan speaker: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListRecentReplyContents returns speaker's most recent response summaries
// in sourceChatID, newest first, capped at limit rows.
func (s *Store) ListRecentReplyContents(ctx context.Context, sourceChatID, speaker string, limit int) ([]string, error) {
	query := `
		SELECT content FROM response_summaries
		WHERE source_chat_id = $1 AND speaker = $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, sourceChatID, speaker, limit)
	if err != nil {
		return nil, fmt.Errorf("chatstore: list recent reply contents: %w", err)
	}
	defer rows.Close()

	var contents []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("chatstore: scan reply content: %w", err)
		}
		contents = append(contents, content)
	}
	return contents, rows.Err()
}

// InsertCoordinationRecord persists a coordination record for later history
// replay by peer sidecars.
func (s *Store) InsertCoordinationRecord(ctx context.Context, row CoordinationRow) error {
	query := `
		INSERT INTO coordination_records (source_chat_id, round_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, now())
	`
	if _, err := s.pool.Exec(ctx, query, row.SourceChatID, row.RoundID, row.Kind, row.Payload); err != nil {
		return fmt.Errorf("chatstore: insert coordination record: %w", err)
	}
	return nil
}

// ReadCoordinationHistory reads up to limit of the most recent coordination
// records for a shared chat, most recent first.
func (s *Store) ReadCoordinationHistory(ctx context.Context, sourceChatID string, limit int) ([]CoordinationRow, error) {
	query := `
		SELECT source_chat_id, round_id, kind, payload, created_at
		FROM coordination_records
		WHERE source_chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, sourceChatID, limit)
	if err != nil {
		return nil, fmt.Errorf("chatstore: read coordination history: %w", err)
	}
	defer rows.Close()

	var out []CoordinationRow
	for rows.Next() {
		var row CoordinationRow
		if err := rows.Scan(&row.SourceChatID, &row.RoundID, &row.Kind, &row.Payload, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("chatstore: scan coordination record: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RegisterAgent inserts or updates an agent identity row. Used by the
// registration CLI.
func (s *Store) RegisterAgent(ctx context.Context, id, displayName string) error {
	query := `
		INSERT INTO agents (id, display_name, registered_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
	`
	if _, err := s.pool.Exec(ctx, query, id, displayName); err != nil {
		return fmt.Errorf("chatstore: register agent: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatchRow(r rowScanner, row *DispatchRow) error {
	return r.Scan(
		&row.BotID, &row.MessageID, &row.ChatID, &row.UserID, &row.Speaker,
		&row.Text, &row.Status, &row.CreatedAt, &row.HandledAt,
	)
}
