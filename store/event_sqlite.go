package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const billingEventsCreateTableSQL = `
CREATE TABLE IF NOT EXISTS billing_events (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL,
	processed_at DATETIME NOT NULL,
	expires_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_billing_events_expires ON billing_events(expires_at);
`

const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteEventStore is an EventStore backed by SQLite. The primary key on the
// event id is the conditional create.
type SQLiteEventStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteEventStore creates the table if needed. The caller owns db.
func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	if _, err := db.Exec(billingEventsCreateTableSQL); err != nil {
		return nil, fmt.Errorf("create billing_events table: %w", err)
	}
	return &SQLiteEventStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteEventStore) RecordEvent(ctx context.Context, rec *BillingEventRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("event id is required")
	}
	now := s.now()
	rec.stamp(now)
	// An expired row still occupying the key is replaced.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM billing_events WHERE id = ? AND expires_at <= ?`,
		rec.ID, now.Format(sqliteTimeLayout),
	); err != nil {
		return fmt.Errorf("purge expired billing event: %w: %w", ErrUnavailable, err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_events (id, tenant_id, type, processed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID,
		rec.TenantID,
		rec.Type,
		rec.ProcessedAt.UTC().Format(sqliteTimeLayout),
		rec.ExpiresAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert billing event: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteEventStore) GetEvent(ctx context.Context, id string) (*BillingEventRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, type, processed_at, expires_at
		 FROM billing_events
		 WHERE id = ? AND expires_at > ?`,
		id, s.now().Format(sqliteTimeLayout),
	)
	var rec BillingEventRecord
	var processedAt, expiresAt string
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Type, &processedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query billing event: %w: %w", ErrUnavailable, err)
	}
	if rec.ProcessedAt, err = parseSQLiteTime(processedAt); err != nil {
		return nil, fmt.Errorf("parse processed_at: %w", err)
	}
	if rec.ExpiresAt, err = parseSQLiteTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteEventStore) DeleteEvent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM billing_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete billing event: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Cleanup removes expired records.
func (s *SQLiteEventStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM billing_events WHERE expires_at <= ?`,
		s.now().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup billing events: %w", err)
	}
	return res.RowsAffected()
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite returns errors containing "UNIQUE constraint failed"
	return strings.Contains(err.Error(), "UNIQUE")
}

// sqliteTimeFormats lists the time formats that SQLite may return.
var sqliteTimeFormats = []string{
	sqliteTimeLayout,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range sqliteTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var _ EventStore = (*SQLiteEventStore)(nil)
