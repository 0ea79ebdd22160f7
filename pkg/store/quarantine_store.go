package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// QuarantineStore records rejected ingest traffic two ways: a
// per-minute (bucket, tenant, reason) counter that is always bumped,
// and an optional event row with payload, written only when the runtime
// settings allow retention.
type QuarantineStore struct {
	db *sql.DB
}

func NewQuarantineStore(db *sql.DB) *QuarantineStore {
	return &QuarantineStore{db: db}
}

const quarantineSchema = `
CREATE TABLE IF NOT EXISTS quarantine_events (
	id TEXT PRIMARY KEY,
	tenant_id TEXT,
	device_id TEXT,
	reason TEXT NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	payload BYTEA,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_quarantine_events_created ON quarantine_events(created_at);
CREATE TABLE IF NOT EXISTS quarantine_counters_minute (
	bucket_minute TIMESTAMPTZ NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	count BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket_minute, tenant_id, reason)
);
`

// Init creates the necessary database tables.
func (s *QuarantineStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, quarantineSchema)
	return err
}

// IncrementCounter bumps the minute counter for (tenant, reason).
// Unknown tenants land in the empty-string bucket.
func (s *QuarantineStore) IncrementCounter(ctx context.Context, at time.Time, tenantID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine_counters_minute (bucket_minute, tenant_id, reason, count)
		VALUES (date_trunc('minute', $1::timestamptz), $2, $3, 1)
		ON CONFLICT (bucket_minute, tenant_id, reason) DO UPDATE SET
			count = quarantine_counters_minute.count + 1
	`, at, tenantID, reason)
	if err != nil {
		return fmt.Errorf("store: failed to bump quarantine counter: %w", err)
	}
	return nil
}

// Insert writes one quarantine event row. Empty tenant and device ids
// are stored as NULL; payload may be nil for metadata-only retention.
func (s *QuarantineStore) Insert(ctx context.Context, e *QuarantineEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine_events (id, tenant_id, device_id, reason, topic, payload, detail)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7)
	`, e.ID, e.TenantID, e.DeviceID, e.Reason, e.Topic, e.Payload, e.Detail)
	if err != nil {
		return fmt.Errorf("store: failed to insert quarantine event: %w", err)
	}
	return nil
}

// ListOlderThan returns event rows created before the cutoff, oldest
// first, bounded by limit. Feeds the retention archiver.
func (s *QuarantineStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]QuarantineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(tenant_id, ''), COALESCE(device_id, ''), reason, topic, payload, detail, created_at
		FROM quarantine_events
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query quarantine events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []QuarantineEvent
	for rows.Next() {
		var e QuarantineEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.DeviceID, &e.Reason, &e.Topic, &e.Payload, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan quarantine event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteIDs removes archived event rows.
func (s *QuarantineStore) DeleteIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM quarantine_events WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("store: failed to delete quarantine events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to count deleted events: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes event rows past the cutoff without
// archiving. Used when no archive backend is configured.
func (s *QuarantineStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM quarantine_events WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: failed to prune quarantine events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to count pruned events: %w", err)
	}
	return n, nil
}
