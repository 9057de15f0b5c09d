package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Event kinds, matching the session event kinds.
const (
	KindConnect    = "connect"
	KindDisconnect = "disconnect"
	KindMessage    = "message"
	KindError      = "error"
)

// Event is one journaled session event.
type Event struct {
	ID       int64  `json:"id"`
	Session  string `json:"session"`
	Identity string `json:"identity"`
	Kind     string `json:"kind"`
	Topic    string `json:"topic,omitempty"`

	// Payload holds at most the configured max payload bytes. PayloadSize
	// is the size of the original message.
	Payload     []byte `json:"payload,omitempty"`
	PayloadSize int    `json:"payload_size,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`

	Reconnected bool `json:"reconnected,omitempty"`

	// Detail is the disconnect cause or error text.
	Detail string `json:"detail,omitempty"`

	Time time.Time `json:"time"`
}

// Filter controls which events List returns.
type Filter struct {
	Session string    // optional
	Kind    string    // optional
	Since   time.Time // optional, inclusive
	Limit   int       // default 50, max 500
}

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// Repository stores and reads journaled events.
type Repository interface {
	Record(ctx context.Context, ev *Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
	Count(ctx context.Context, session string) (int, error)
}

// SQLiteRepository stores events in the session_events table.
type SQLiteRepository struct {
	db         *sql.DB
	maxPayload int
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository that keeps at most maxPayload
// bytes of each message payload. maxPayload <= 0 stores no payload bytes.
func NewSQLiteRepository(db *sql.DB, maxPayload int) *SQLiteRepository {
	return &SQLiteRepository{db: db, maxPayload: maxPayload}
}

func validKind(kind string) bool {
	switch kind {
	case KindConnect, KindDisconnect, KindMessage, KindError:
		return true
	}
	return false
}

// Record inserts ev and sets its ID. Time defaults to now, and message
// payloads are truncated to the repository limit.
func (r *SQLiteRepository) Record(ctx context.Context, ev *Event) error {
	if ev.Session == "" {
		return ErrMissingSession
	}
	if !validKind(ev.Kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, ev.Kind)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.PayloadSize == 0 {
		ev.PayloadSize = len(ev.Payload)
	}
	if len(ev.Payload) > r.maxPayload {
		ev.Payload = ev.Payload[:max(r.maxPayload, 0)]
		ev.Truncated = true
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO session_events
		   (session, identity, kind, topic, payload, payload_size, reconnected, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Session, ev.Identity, ev.Kind, ev.Topic,
		ev.Payload, ev.PayloadSize, boolInt(ev.Reconnected), ev.Detail,
		ev.Time.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading session event id: %w", err)
	}
	return nil
}

// List returns events matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}

	var conditions []string
	var args []any
	if filter.Session != "" {
		conditions = append(conditions, "session = ?")
		args = append(args, filter.Session)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, filter.Kind)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	query := fmt.Sprintf("SELECT %s FROM session_events %s ORDER BY occurred_at DESC, id DESC LIMIT ?", //nolint:gosec // WHERE built from parameterised conditions
		eventColumns, where)
	args = append(args, filter.Limit)

	return r.query(ctx, query, args...)
}

// Count returns the number of stored events for session, or for all
// sessions when session is empty.
func (r *SQLiteRepository) Count(ctx context.Context, session string) (int, error) {
	query := "SELECT COUNT(*) FROM session_events"
	var args []any
	if session != "" {
		query += " WHERE session = ?"
		args = append(args, session)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting session events: %w", err)
	}
	return n, nil
}

// Expired returns up to limit events older than cutoff, oldest first.
func (r *SQLiteRepository) Expired(ctx context.Context, cutoff time.Time, limit int) ([]Event, error) {
	query := fmt.Sprintf("SELECT %s FROM session_events WHERE occurred_at < ? ORDER BY id ASC LIMIT ?", eventColumns)
	return r.query(ctx, query, cutoff.UnixMilli(), limit)
}

// Prune deletes events older than cutoff and returns how many were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM session_events WHERE occurred_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning session events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteThrough deletes events older than cutoff with id <= lastID. Used
// after a batch has been archived so events written meanwhile are kept.
func (r *SQLiteRepository) DeleteThrough(ctx context.Context, cutoff time.Time, lastID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM session_events WHERE occurred_at < ? AND id <= ?",
		cutoff.UnixMilli(), lastID)
	if err != nil {
		return 0, fmt.Errorf("deleting archived session events: %w", err)
	}
	return res.RowsAffected()
}

// RecordArchive stores the location of an uploaded batch.
func (r *SQLiteRepository) RecordArchive(ctx context.Context, a Archive) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO journal_archives (key, bucket, events, first_id, last_id, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.Key, a.Bucket, a.Events, a.FirstID, a.LastID, a.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("recording archive %s: %w", a.Key, err)
	}
	return nil
}

// Archives returns the recorded archive uploads, newest first.
func (r *SQLiteRepository) Archives(ctx context.Context, limit int) ([]Archive, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT key, bucket, events, first_id, last_id, archived_at FROM journal_archives ORDER BY archived_at DESC, key DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("querying archives: %w", err)
	}
	defer rows.Close()

	var out []Archive
	for rows.Next() {
		var a Archive
		var at int64
		if err := rows.Scan(&a.Key, &a.Bucket, &a.Events, &a.FirstID, &a.LastID, &at); err != nil {
			return nil, fmt.Errorf("scanning archive: %w", err)
		}
		a.At = time.UnixMilli(at).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

const eventColumns = "id, session, identity, kind, topic, payload, payload_size, reconnected, detail, occurred_at"

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var reconnected int
		var occurred int64
		if err := rows.Scan(&ev.ID, &ev.Session, &ev.Identity, &ev.Kind, &ev.Topic,
			&ev.Payload, &ev.PayloadSize, &reconnected, &ev.Detail, &occurred); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		ev.Reconnected = reconnected != 0
		ev.Truncated = len(ev.Payload) < ev.PayloadSize
		ev.Time = time.UnixMilli(occurred).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session events: %w", err)
	}
	return events, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
