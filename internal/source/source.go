// Package source implements the ingestion boundary: it reads aggregate
// counts from the complaints database and assembles the WindowMetrics
// snapshot consumed by the evaluators. Complaint narratives never leave
// this package; only identifiers and counts do.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"complaintwatch/internal/events"
)

// Source produces one WindowMetrics snapshot per evaluation cycle.
type Source interface {
	Snapshot(ctx context.Context, now time.Time) (*events.WindowMetrics, error)
}

// DB reads complaint aggregates from Postgres.
type DB struct {
	conn     *sql.DB
	name     string // data source label carried into audit payloads
	keywords []string
}

// NewDB opens and validates a connection to the complaints database.
// Keywords are matched case-insensitively as substrings.
func NewDB(dsn, name string, keywords []string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open complaints database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping complaints database: %w", err)
	}

	slog.Info("Successfully connected to complaints database", "source", name)

	return &DB{conn: conn, name: name, keywords: keywords}, nil
}

// NewDBWithConn wraps an existing connection. Used by tests with sqlmock.
func NewDBWithConn(conn *sql.DB, name string, keywords []string) *DB {
	return &DB{conn: conn, name: name, keywords: keywords}
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Snapshot assembles the current-window metrics: 1h counts for volume and
// keywords, 4h for severity share, 24h for theme and channel share, plus
// hours since the last complaint for the pipeline-silence watchdog.
func (db *DB) Snapshot(ctx context.Context, now time.Time) (*events.WindowMetrics, error) {
	m := &events.WindowMetrics{
		WindowEnd:           now,
		SeverityWindowHours: 4,
		ThemeCounts:         make(map[string]int),
		ChannelCounts:       make(map[string]int),
		KeywordCounts:       make(map[string]int),
		DataSource:          db.name,
	}

	hourAgo := now.Add(-1 * time.Hour)
	fourHoursAgo := now.Add(-4 * time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM complaints WHERE created_at >= $1`,
		hourAgo,
	).Scan(&m.HourlyCount); err != nil {
		return nil, fmt.Errorf("failed to count hourly complaints: %w", err)
	}

	// Severity is optional upstream; a fully NULL window disables SIG-03
	// for the cycle rather than failing it.
	var withSeverity int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(severity), COUNT(*) FILTER (WHERE severity = 'high') FROM complaints WHERE created_at >= $1`,
		fourHoursAgo,
	).Scan(&m.SeverityTotal, &withSeverity, &m.HighSeverityCount); err != nil {
		return nil, fmt.Errorf("failed to count severity window: %w", err)
	}
	m.SeverityPresent = m.SeverityTotal == 0 || withSeverity > 0

	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM complaints WHERE created_at >= $1`,
		dayAgo,
	).Scan(&m.DailyTotal); err != nil {
		return nil, fmt.Errorf("failed to count daily complaints: %w", err)
	}

	if err := db.groupCounts(ctx, "theme", dayAgo, m.ThemeCounts); err != nil {
		return nil, err
	}
	if err := db.groupCounts(ctx, "channel", dayAgo, m.ChannelCounts); err != nil {
		return nil, err
	}

	for _, kw := range db.keywords {
		var n int
		if err := db.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM complaints WHERE created_at >= $1 AND narrative ILIKE $2`,
			hourAgo, "%"+kw+"%",
		).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count keyword %q: %w", kw, err)
		}
		if n > 0 {
			m.KeywordCounts[strings.ToLower(kw)] = n
		}
	}

	var lastSeen sql.NullTime
	if err := db.conn.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM complaints`,
	).Scan(&lastSeen); err != nil {
		return nil, fmt.Errorf("failed to read last complaint time: %w", err)
	}
	if lastSeen.Valid {
		m.HoursSinceLastComplaint = now.Sub(lastSeen.Time).Hours()
	} else {
		// Empty table: treat the full no-data window as elapsed.
		m.HoursSinceLastComplaint = 24
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT complaint_id FROM complaints WHERE created_at >= $1 ORDER BY created_at DESC LIMIT 5`,
		dayAgo,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read example complaint ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan complaint id: %w", err)
		}
		m.ExampleComplaintIDs = append(m.ExampleComplaintIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate complaint ids: %w", err)
	}

	m.RowsEvaluated = m.DailyTotal

	slog.Debug("Window metrics assembled",
		"hourly_count", m.HourlyCount,
		"daily_total", m.DailyTotal,
		"high_severity", m.HighSeverityCount,
		"hours_since_last", m.HoursSinceLastComplaint,
	)
	return m, nil
}

// groupCounts fills counts for one categorical column over the window.
// The column name comes from a fixed internal set, never from input.
func (db *DB) groupCounts(ctx context.Context, column string, since time.Time, out map[string]int) error {
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*) FROM complaints WHERE created_at >= $1 AND %s IS NOT NULL GROUP BY %s`,
		column, column, column,
	)
	rows, err := db.conn.QueryContext(ctx, query, since)
	if err != nil {
		return fmt.Errorf("failed to count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		out[key] = n
	}
	return rows.Err()
}
