package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists conversation events. Sequence assignment stays with
// the Log; the store records what it is handed and serves history.
type Store interface {
	// LastSequence returns the highest persisted sequence for the
	// conversation, 0 when it has none.
	LastSequence(ctx context.Context, conversationID string) (int64, error)
	// AppendEvent persists one event.
	AppendEvent(ctx context.Context, conversationID string, event Event) error
	// EventsRange returns events with fromSeq <= sequence < toSeq in
	// sequence order. toSeq == 0 means no upper bound.
	EventsRange(ctx context.Context, conversationID string, fromSeq, toSeq int64) ([]Event, error)
}

// maxNotifyBytes keeps NOTIFY payloads under PostgreSQL's 8000-byte
// limit with headroom for the envelope.
const maxNotifyBytes = 7900

// PostgresStore writes events to the conversation_events table and
// broadcasts each one on the conversation's NOTIFY channel within the
// same transaction, so peer processes see an event only once it is
// durably committed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open database handle, usually
// database.Client.DB().
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LastSequence(ctx context.Context, conversationID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_events WHERE conversation_id = $1`,
		conversationID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last sequence for %s: %w", conversationID, err)
	}
	return last, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, conversationID string, event Event) error {
	createdAt, err := time.Parse(time.RFC3339Nano, event.Timestamp)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_events (conversation_id, seq, kind, role, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		conversationID, event.Sequence, string(event.Kind), string(event.Role), []byte(event.Payload), createdAt,
	)
	if err != nil {
		return fmt.Errorf("persist event %s/%d: %w", conversationID, event.Sequence, err)
	}

	notifyPayload, err := notifyPayloadFor(conversationID, event)
	if err != nil {
		return err
	}

	// pg_notify is transactional: it fires on COMMIT, never before the
	// INSERT is visible.
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", Channel(conversationID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) EventsRange(ctx context.Context, conversationID string, fromSeq, toSeq int64) ([]Event, error) {
	query := `SELECT seq, kind, role, payload, created_at
		FROM conversation_events
		WHERE conversation_id = $1 AND seq >= $2`
	args := []any{conversationID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq < $3`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&e.Sequence, &e.Kind, &e.Role, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.Timestamp = createdAt.UTC().Format(time.RFC3339Nano)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// DeleteEventsBefore removes events persisted before the cutoff,
// enforcing the retention window. Subscribers may replay only from
// sequences still inside the window. Not part of Store; only the
// cleanup service calls it.
func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted events: %w", err)
	}
	return n, nil
}

// notifyPayloadFor builds the NOTIFY payload: the event wrapped with
// its conversation id so listeners can route without parsing the
// channel name. Oversized payloads collapse to a truncation envelope;
// receivers refetch the full event from history by sequence.
func notifyPayloadFor(conversationID string, event Event) (string, error) {
	wire := struct {
		ConversationID string `json:"conversation_id"`
		Event
	}{ConversationID: conversationID, Event: event}

	full, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("marshal notify payload: %w", err)
	}
	if len(full) <= maxNotifyBytes {
		return string(full), nil
	}

	truncated, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"sequence":        event.Sequence,
		"kind":            event.Kind,
		"role":            event.Role,
		"timestamp":       event.Timestamp,
		"truncated":       true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal truncated notify payload: %w", err)
	}
	return string(truncated), nil
}
