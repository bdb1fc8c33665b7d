package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGEventStore is an EventStore backed by PostgreSQL.
type PGEventStore struct {
	pool *pgxpool.Pool
}

// NewPGEventStore ensures the schema exists and returns the store.
func NewPGEventStore(ctx context.Context, pool *pgxpool.Pool) (*PGEventStore, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS billing_events (
			id           TEXT        PRIMARY KEY,
			tenant_id    TEXT        NOT NULL DEFAULT '',
			type         TEXT        NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_billing_events_expires ON billing_events(expires_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("create billing_events table: %w", err)
	}
	return &PGEventStore{pool: pool}, nil
}

// RecordEvent inserts the record, replacing an expired row with the same id
// in the same statement.
func (s *PGEventStore) RecordEvent(ctx context.Context, rec *BillingEventRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("event id is required")
	}
	rec.stamp(time.Now().UTC())
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO billing_events (id, tenant_id, type, processed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		   SET tenant_id = EXCLUDED.tenant_id, type = EXCLUDED.type,
		       processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at
		   WHERE billing_events.expires_at <= NOW()`,
		rec.ID, rec.TenantID, rec.Type, rec.ProcessedAt, rec.ExpiresAt,
	)
	if err != nil {
		if isDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert billing event: %w: %w", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PGEventStore) GetEvent(ctx context.Context, id string) (*BillingEventRecord, error) {
	var rec BillingEventRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, type, processed_at, expires_at
		 FROM billing_events
		 WHERE id = $1 AND expires_at > NOW()`,
		id,
	).Scan(&rec.ID, &rec.TenantID, &rec.Type, &rec.ProcessedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query billing event: %w: %w", ErrUnavailable, err)
	}
	return &rec, nil
}

func (s *PGEventStore) DeleteEvent(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM billing_events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete billing event: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Cleanup removes expired records.
func (s *PGEventStore) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM billing_events WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup billing events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isDuplicateError reports a PostgreSQL unique_violation.
func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

var _ EventStore = (*PGEventStore)(nil)
