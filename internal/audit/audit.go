// Package audit provides the append-only event ledger. Every alert
// lifecycle transition writes exactly one event here before its effect is
// considered durable; retention requirements make silent loss unacceptable,
// so writes retry with backoff and exhaustion is surfaced, never swallowed.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"complaintwatch/internal/events"
	"complaintwatch/internal/retry"
)

// ErrAuditWriteFailed indicates the ledger could not persist an event after
// exhausting retries. Callers must treat this as fatal for the event and
// alert on the audit subsystem itself.
var ErrAuditWriteFailed = errors.New("audit write failed after retries")

// Ledger is the append-and-query surface used by the engine and scheduler.
type Ledger interface {
	Append(ctx context.Context, ev *events.AuditEvent) error
	CountFalsePositives(ctx context.Context, signalID string, since time.Time) (int, error)
}

// DB is the Postgres-backed ledger.
type DB struct {
	conn  *sql.DB
	seq   atomic.Uint64
	retry retry.Config
}

// NewDB opens and validates a connection to the audit database.
func NewDB(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	slog.Info("Successfully connected to audit database")

	return &DB{conn: conn, retry: retry.DefaultConfig()}, nil
}

// NewDBWithConn wraps an existing connection. Used by tests with sqlmock.
func NewDBWithConn(conn *sql.DB) *DB {
	return &DB{conn: conn, retry: retry.DefaultConfig()}
}

// SetRetryConfig overrides the write retry policy.
func (db *DB) SetRetryConfig(cfg retry.Config) {
	db.retry = cfg
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		slog.Info("Closing audit database connection")
		return db.conn.Close()
	}
	return nil
}

// Append persists one event. Missing identity fields are filled in: LogID,
// Timestamp, and the monotonic Seq that breaks timestamp ties. On storage
// unavailability the insert retries with backoff; exhaustion returns an
// error wrapping ErrAuditWriteFailed.
func (db *DB) Append(ctx context.Context, ev *events.AuditEvent) error {
	if ev.LogID == "" {
		ev.LogID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Seq = db.seq.Add(1)

	var detailsJSON sql.NullString
	if len(ev.Details) > 0 {
		data, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO audit_events (log_id, seq, ts, event_type, alert_id, signal_id, level, actor, details, workflow_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	err := retry.Do(ctx, db.retry, "audit_append", func() error {
		_, execErr := db.conn.ExecContext(ctx, query,
			ev.LogID,
			ev.Seq,
			ev.Timestamp,
			ev.EventType,
			nullable(ev.AlertID),
			nullable(ev.SignalID),
			nullable(string(ev.Level)),
			ev.Actor,
			detailsJSON,
			ev.WorkflowRunID,
		)
		return execErr
	})
	if err != nil {
		slog.Error("Audit append exhausted retries",
			"log_id", ev.LogID,
			"event_type", ev.EventType,
			"alert_id", ev.AlertID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}

	slog.Debug("Audit event appended",
		"log_id", ev.LogID,
		"seq", ev.Seq,
		"event_type", ev.EventType,
		"alert_id", ev.AlertID,
	)
	return nil
}

// CountFalsePositives counts FALSE_POSITIVE outcomes for a signal since the
// given time. Used by the engine's auto-silence check.
func (db *DB) CountFalsePositives(ctx context.Context, signalID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM audit_events
		WHERE event_type = $1 AND signal_id = $2 AND ts >= $3
	`

	var count int
	err := db.conn.QueryRowContext(ctx, query, events.EventFalsePositive, signalID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count false positives for %s: %w", signalID, err)
	}
	return count, nil
}

// nullable converts an optional string column value.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
