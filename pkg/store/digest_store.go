package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DigestStore persists per-tenant digest schedules. Stamping
// last_sent_at is not done here: it happens inside the job insert
// transaction (JobStore.InsertDigestAndStamp) so a crash between the
// two cannot skip or double-send a period.
type DigestStore struct {
	db *sql.DB
}

func NewDigestStore(db *sql.DB) *DigestStore {
	return &DigestStore{db: db}
}

const digestSchema = `
CREATE TABLE IF NOT EXISTS alert_digest_settings (
	tenant_id TEXT PRIMARY KEY,
	enabled BOOLEAN NOT NULL DEFAULT FALSE,
	integration_id TEXT NOT NULL,
	interval_minutes INT NOT NULL DEFAULT 60,
	min_severity INT,
	last_sent_at TIMESTAMPTZ
);
`

// Init creates the necessary database tables.
func (s *DigestStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, digestSchema)
	return err
}

// ListDue returns every enabled schedule whose interval has elapsed at
// now. A schedule never sent before is always due.
func (s *DigestStore) ListDue(ctx context.Context, now time.Time) ([]DigestSettings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, enabled, integration_id, interval_minutes, min_severity, last_sent_at
		FROM alert_digest_settings
		WHERE enabled
		  AND (last_sent_at IS NULL OR last_sent_at + make_interval(mins => interval_minutes) <= $1)
	`, now)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query due digests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []DigestSettings
	for rows.Next() {
		var d DigestSettings
		var minSev sql.NullInt64
		var lastSent sql.NullTime
		if err := rows.Scan(&d.TenantID, &d.Enabled, &d.IntegrationID, &d.IntervalMinutes, &minSev, &lastSent); err != nil {
			return nil, fmt.Errorf("store: failed to scan digest settings: %w", err)
		}
		d.MinSeverity = intPtr(minSev)
		d.LastSentAt = timePtr(lastSent)
		due = append(due, d)
	}
	return due, rows.Err()
}

// StampSent advances last_sent_at without queueing a job. The
// dispatcher uses it when a due period contained no alerts, so the
// schedule does not stay due forever.
func (s *DigestStore) StampSent(ctx context.Context, tenantID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_digest_settings SET last_sent_at = $2 WHERE tenant_id = $1
	`, tenantID, sentAt)
	if err != nil {
		return fmt.Errorf("store: failed to stamp digest settings: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a tenant's digest schedule.
func (s *DigestStore) Upsert(ctx context.Context, d *DigestSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_digest_settings (tenant_id, enabled, integration_id, interval_minutes, min_severity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			integration_id = EXCLUDED.integration_id,
			interval_minutes = EXCLUDED.interval_minutes,
			min_severity = EXCLUDED.min_severity
	`, d.TenantID, d.Enabled, d.IntegrationID, d.IntervalMinutes, d.MinSeverity)
	if err != nil {
		return fmt.Errorf("store: failed to upsert digest settings: %w", err)
	}
	return nil
}
