package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JobStore owns the delivery queue. Exactly-once dispatch rests on two
// indexes: the full unique key (tenant_id, alert_id, route_id,
// deliver_on_event) for alert events, and the partial unique
// (tenant_id, integration_id, digest_period_end) for digests. Workers
// contend via FOR UPDATE SKIP LOCKED, never via application locks.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

const jobSchema = `
CREATE TABLE IF NOT EXISTS delivery_jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	alert_id TEXT,
	integration_id TEXT NOT NULL,
	route_id TEXT,
	deliver_on_event TEXT NOT NULL DEFAULT 'OPEN',
	status TEXT NOT NULL DEFAULT 'PENDING',
	attempts INT NOT NULL DEFAULT 0,
	next_run_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error TEXT,
	payload JSONB,
	digest_period_end TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_delivery_jobs_event
	ON delivery_jobs(tenant_id, alert_id, route_id, deliver_on_event);
CREATE UNIQUE INDEX IF NOT EXISTS uq_delivery_jobs_digest
	ON delivery_jobs(tenant_id, integration_id, digest_period_end) WHERE deliver_on_event = 'DIGEST';
CREATE INDEX IF NOT EXISTS idx_delivery_jobs_runnable ON delivery_jobs(status, next_run_at);
`

// Init creates the necessary database tables.
func (s *JobStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, jobSchema)
	return err
}

// Insert enqueues one PENDING job, deduplicating against both unique
// keys via ON CONFLICT DO NOTHING. Returns whether a row was written.
func (s *JobStore) Insert(ctx context.Context, j *DeliveryJob) (bool, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_jobs (id, tenant_id, alert_id, integration_id, route_id,
			deliver_on_event, status, next_run_at, payload, digest_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', now(), $7, $8)
		ON CONFLICT DO NOTHING
	`, j.ID, j.TenantID, j.AlertID, j.IntegrationID, j.RouteID, j.DeliverOnEvent,
		nullableJSON(j.Payload), j.DigestPeriodEnd)
	if err != nil {
		return false, fmt.Errorf("store: failed to insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: failed to count job insert: %w", err)
	}
	return n > 0, nil
}

// InsertDigestAndStamp writes a DIGEST job and advances the tenant's
// last_sent_at in one transaction. The stamp happens even when the job
// insert deduplicates, so a schedule never re-fires for a period whose
// job already exists.
func (s *JobStore) InsertDigestAndStamp(ctx context.Context, j *DeliveryJob, sentAt time.Time) (bool, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: failed to begin digest tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_jobs (id, tenant_id, alert_id, integration_id, route_id,
			deliver_on_event, status, next_run_at, payload, digest_period_end)
		VALUES ($1, $2, NULL, $3, NULL, 'DIGEST', 'PENDING', now(), $4, $5)
		ON CONFLICT DO NOTHING
	`, j.ID, j.TenantID, j.IntegrationID, nullableJSON(j.Payload), j.DigestPeriodEnd)
	if err != nil {
		return false, fmt.Errorf("store: failed to insert digest job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: failed to count digest insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE alert_digest_settings SET last_sent_at = $2 WHERE tenant_id = $1
	`, j.TenantID, sentAt); err != nil {
		return false, fmt.Errorf("store: failed to stamp digest settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: failed to commit digest tx: %w", err)
	}
	return n > 0, nil
}

const jobColumns = `id, tenant_id, alert_id, integration_id, route_id, deliver_on_event,
	status, attempts, next_run_at, last_error, payload, digest_period_end, created_at, updated_at`

// Lease claims up to limit runnable jobs: select PENDING rows due now
// with FOR UPDATE SKIP LOCKED, flip them to PROCESSING, commit. Rows a
// concurrent worker holds are skipped, not awaited.
func (s *JobStore) Lease(ctx context.Context, limit int) ([]DeliveryJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM delivery_jobs
		WHERE status = 'PENDING' AND next_run_at <= now()
		ORDER BY next_run_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query leasable jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE delivery_jobs SET status = 'PROCESSING', updated_at = now()
		WHERE id = ANY($1)
	`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("store: failed to mark jobs processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: failed to commit lease: %w", err)
	}
	for i := range jobs {
		jobs[i].Status = JobProcessing
	}
	return jobs, nil
}

// RequeueStuck returns PROCESSING jobs that have sat past the staleness
// cutoff to PENDING. Covers workers that died mid-lease.
func (s *JobStore) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET status = 'PENDING', next_run_at = now(), updated_at = now()
		WHERE status = 'PROCESSING' AND updated_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("store: failed to requeue stuck jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to count requeued jobs: %w", err)
	}
	return n, nil
}

// MarkDone completes a job and clears its error.
func (s *JobStore) MarkDone(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET status = 'COMPLETED', attempts = attempts + 1,
			last_error = NULL, updated_at = now()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("store: failed to complete job: %w", err)
	}
	return nil
}

// Reschedule records a failed attempt and queues the next one.
func (s *JobStore) Reschedule(ctx context.Context, jobID string, nextRunAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET status = 'PENDING', attempts = attempts + 1,
			next_run_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, jobID, nextRunAt, lastError)
	if err != nil {
		return fmt.Errorf("store: failed to reschedule job: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure. The row stays for inspection;
// nothing retries it.
func (s *JobStore) MarkFailed(ctx context.Context, jobID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET status = 'FAILED', attempts = attempts + 1,
			last_error = $2, updated_at = now()
		WHERE id = $1
	`, jobID, lastError)
	if err != nil {
		return fmt.Errorf("store: failed to fail job: %w", err)
	}
	return nil
}

// HasCompletedSince reports whether a COMPLETED job for (alert, route)
// was created after the cutoff. The dispatcher's escalation pass uses
// it to avoid re-notifying an alert already delivered post-escalation.
func (s *JobStore) HasCompletedSince(ctx context.Context, tenantID, alertID, routeID string, cutoff time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM delivery_jobs
			WHERE tenant_id = $1 AND alert_id = $2 AND route_id = $3
			  AND status = 'COMPLETED' AND created_at > $4
		)
	`, tenantID, alertID, routeID, cutoff).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: failed to check completed jobs: %w", err)
	}
	return exists, nil
}

// Get returns one job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (*DeliveryJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM delivery_jobs
		WHERE id = $1
	`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query job: %w", err)
	}
	return j, nil
}

func scanJob(sc rowScanner) (*DeliveryJob, error) {
	var j DeliveryJob
	var alertID, routeID, lastErr sql.NullString
	var payload []byte
	var periodEnd sql.NullTime
	if err := sc.Scan(&j.ID, &j.TenantID, &alertID, &j.IntegrationID, &routeID,
		&j.DeliverOnEvent, &j.Status, &j.Attempts, &j.NextRunAt, &lastErr, &payload,
		&periodEnd, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.AlertID = strPtr(alertID)
	j.RouteID = strPtr(routeID)
	j.LastError = strPtr(lastErr)
	j.Payload = payload
	j.DigestPeriodEnd = timePtr(periodEnd)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]DeliveryJob, error) {
	defer func() { _ = rows.Close() }()
	var jobs []DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
