package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// AttemptStore is the append-only log of delivery tries. One row per
// attempt, success or not; nothing updates or deletes here.
type AttemptStore struct {
	db *sql.DB
}

func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

const attemptSchema = `
CREATE TABLE IF NOT EXISTS delivery_attempts (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	attempt_no INT NOT NULL,
	ok BOOLEAN NOT NULL,
	http_status INT,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	error TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_job ON delivery_attempts(job_id, attempt_no);
`

// Init creates the necessary database tables.
func (s *AttemptStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, attemptSchema)
	return err
}

// Insert records one attempt.
func (s *AttemptStore) Insert(ctx context.Context, a *DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, job_id, attempt_no, ok, http_status, latency_ms, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.JobID, a.AttemptNo, a.OK, a.HTTPStatus, a.LatencyMS, a.Error, a.StartedAt, a.FinishedAt)
	if err != nil {
		return fmt.Errorf("store: failed to insert attempt: %w", err)
	}
	return nil
}

// ListForJob returns a job's attempts in order.
func (s *AttemptStore) ListForJob(ctx context.Context, jobID string) ([]DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, attempt_no, ok, http_status, latency_ms, error, started_at, finished_at
		FROM delivery_attempts
		WHERE job_id = $1
		ORDER BY attempt_no
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		var status sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.JobID, &a.AttemptNo, &a.OK, &status, &a.LatencyMS,
			&errMsg, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan attempt: %w", err)
		}
		a.HTTPStatus = intPtr(status)
		a.Error = strPtr(errMsg)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
