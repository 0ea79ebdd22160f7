package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertStore owns the fleet_alert lifecycle. The partial unique index
// on (tenant_id, fingerprint) over OPEN and ACKNOWLEDGED rows is what
// serializes concurrent evaluators; every mutation here is a single
// statement so no application lock is ever needed.
type AlertStore struct {
	db *sql.DB
}

func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertSchema = `
CREATE TABLE IF NOT EXISTS fleet_alert (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	site_id TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL DEFAULT '',
	alert_type TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'OPEN',
	severity INT NOT NULL DEFAULT 3,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 1,
	summary TEXT NOT NULL DEFAULT '',
	details JSONB,
	rule_id TEXT,
	trigger_count INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_triggered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	closed_at TIMESTAMPTZ,
	silenced_until TIMESTAMPTZ,
	acknowledged_by TEXT,
	acknowledged_at TIMESTAMPTZ,
	escalation_level INT NOT NULL DEFAULT 0,
	escalated_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_fleet_alert_active
	ON fleet_alert(tenant_id, fingerprint) WHERE status IN ('OPEN','ACKNOWLEDGED');
CREATE INDEX IF NOT EXISTS idx_fleet_alert_tenant_status ON fleet_alert(tenant_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_fleet_alert_escalated ON fleet_alert(tenant_id, escalated_at) WHERE escalated_at IS NOT NULL;
`

// Init creates the necessary database tables.
func (s *AlertStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, alertSchema)
	return err
}

// OpenOrUpdate inserts an OPEN alert or, when an OPEN/ACKNOWLEDGED row
// already carries the fingerprint, refreshes severity, confidence,
// summary and details, bumps trigger_count and stamps last_triggered_at.
// Status is deliberately left alone: an acknowledged alert must not
// revert to OPEN on re-fire. Returns whether a new row was created.
func (s *AlertStore) OpenOrUpdate(ctx context.Context, a *FleetAlert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var created bool
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO fleet_alert (id, tenant_id, site_id, device_id, alert_type, fingerprint, status,
			severity, confidence, summary, details, rule_id, trigger_count, created_at, last_triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'OPEN', $7, $8, $9, $10, $11, 1, now(), now())
		ON CONFLICT (tenant_id, fingerprint) WHERE status IN ('OPEN','ACKNOWLEDGED') DO UPDATE SET
			severity = EXCLUDED.severity,
			confidence = EXCLUDED.confidence,
			summary = EXCLUDED.summary,
			details = EXCLUDED.details,
			trigger_count = fleet_alert.trigger_count + 1,
			last_triggered_at = now()
		RETURNING id, (xmax = 0) AS created
	`, a.ID, a.TenantID, a.SiteID, a.DeviceID, a.AlertType, a.Fingerprint,
		a.Severity, a.Confidence, a.Summary, nullableJSON(a.Details), a.RuleID).Scan(&id, &created)
	if err != nil {
		return false, fmt.Errorf("store: failed to upsert alert: %w", err)
	}
	a.ID = id
	return created, nil
}

// Close transitions every OPEN/ACKNOWLEDGED row with the fingerprint to
// CLOSED and stamps closed_at. Returns the number of rows closed.
func (s *AlertStore) Close(ctx context.Context, tenantID, fingerprint string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fleet_alert SET status = 'CLOSED', closed_at = now()
		WHERE tenant_id = $1 AND fingerprint = $2 AND status IN ('OPEN','ACKNOWLEDGED')
	`, tenantID, fingerprint)
	if err != nil {
		return 0, fmt.Errorf("store: failed to close alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to count closed alerts: %w", err)
	}
	return n, nil
}

// IsSilenced reports whether the active alert carrying the fingerprint
// is silenced right now. The evaluator skips re-firing silenced alerts;
// closing is unaffected.
func (s *AlertStore) IsSilenced(ctx context.Context, tenantID, fingerprint string) (bool, error) {
	var silenced bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fleet_alert
			WHERE tenant_id = $1 AND fingerprint = $2
			  AND status IN ('OPEN','ACKNOWLEDGED')
			  AND silenced_until IS NOT NULL AND silenced_until > now()
		)
	`, tenantID, fingerprint).Scan(&silenced)
	if err != nil {
		return false, fmt.Errorf("store: failed to query silence: %w", err)
	}
	return silenced, nil
}

// Acknowledge moves one OPEN alert to ACKNOWLEDGED. Exposed for the
// command APIs sharing this store; the pipeline itself never calls it.
func (s *AlertStore) Acknowledge(ctx context.Context, tenantID, alertID, by string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fleet_alert SET status = 'ACKNOWLEDGED', acknowledged_by = $3, acknowledged_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'OPEN'
	`, tenantID, alertID, by)
	if err != nil {
		return fmt.Errorf("store: failed to acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: alert %s not open", alertID)
	}
	return nil
}

// Silence sets silenced_until on one alert. Closing or acknowledging
// does not clear it.
func (s *AlertStore) Silence(ctx context.Context, tenantID, alertID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fleet_alert SET silenced_until = $3
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, alertID, until)
	if err != nil {
		return fmt.Errorf("store: failed to silence alert: %w", err)
	}
	return nil
}

// EscalationSweep upgrades, in one atomic statement, every OPEN
// unsilenced alert at escalation_level 0 whose rule has an escalation
// window that has elapsed: severity drops one step (floor 0, lower is
// worse), escalation_level becomes 1 and escalated_at is stamped.
// Returns the number of alerts escalated.
func (s *AlertStore) EscalationSweep(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fleet_alert a
		SET severity = GREATEST(a.severity - 1, 0),
		    escalation_level = 1,
		    escalated_at = now()
		FROM alert_rules r
		WHERE a.tenant_id = $1
		  AND a.status = 'OPEN'
		  AND a.escalation_level = 0
		  AND (a.silenced_until IS NULL OR a.silenced_until <= now())
		  AND r.tenant_id = a.tenant_id
		  AND r.id = a.rule_id
		  AND r.escalation_minutes > 0
		  AND a.created_at < now() - make_interval(mins => r.escalation_minutes)
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("store: failed to run escalation sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to count escalations: %w", err)
	}
	return n, nil
}

const alertColumns = `id, tenant_id, site_id, device_id, alert_type, fingerprint, status, severity,
	confidence, summary, details, rule_id, trigger_count, created_at, last_triggered_at, closed_at,
	silenced_until, acknowledged_by, acknowledged_at, escalation_level, escalated_at`

// ListOpenSince returns OPEN alerts created within the lookback,
// newest first, bounded by limit.
func (s *AlertStore) ListOpenSince(ctx context.Context, since time.Time, limit int) ([]FleetAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM fleet_alert
		WHERE status = 'OPEN' AND created_at >= $1
		ORDER BY created_at DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query open alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListEscalatedSince returns alerts whose escalation fired within the
// lookback, regardless of current status.
func (s *AlertStore) ListEscalatedSince(ctx context.Context, since time.Time) ([]FleetAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM fleet_alert
		WHERE escalation_level > 0 AND escalated_at IS NOT NULL AND escalated_at >= $1
		ORDER BY escalated_at DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query escalated alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListClosedSince returns alerts that transitioned to CLOSED within the
// lookback.
func (s *AlertStore) ListClosedSince(ctx context.Context, since time.Time, limit int) ([]FleetAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM fleet_alert
		WHERE status = 'CLOSED' AND closed_at IS NOT NULL AND closed_at >= $1
		ORDER BY closed_at DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query closed alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListOpenedBetween returns a tenant's alerts opened in (from, to],
// optionally filtered to severities at or below maxSeverity (lower is
// more severe). Feeds the digest pass.
func (s *AlertStore) ListOpenedBetween(ctx context.Context, tenantID string, from, to time.Time, maxSeverity *int, limit int) ([]FleetAlert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM fleet_alert
		WHERE tenant_id = $1 AND created_at > $2 AND created_at <= $3
	`
	args := []interface{}{tenantID, from, to}
	if maxSeverity != nil {
		query += ` AND severity <= $4`
		args = append(args, *maxSeverity)
	}
	query += fmt.Sprintf(` ORDER BY created_at LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query digest alerts: %w", err)
	}
	return collectAlerts(rows)
}

// Get returns one alert by id.
func (s *AlertStore) Get(ctx context.Context, tenantID, alertID string) (*FleetAlert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM fleet_alert
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, alertID)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query alert: %w", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(sc rowScanner) (*FleetAlert, error) {
	var a FleetAlert
	var details []byte
	var ruleID, ackBy sql.NullString
	var closedAt, silencedUntil, ackAt, escalatedAt sql.NullTime
	if err := sc.Scan(&a.ID, &a.TenantID, &a.SiteID, &a.DeviceID, &a.AlertType, &a.Fingerprint,
		&a.Status, &a.Severity, &a.Confidence, &a.Summary, &details, &ruleID, &a.TriggerCount,
		&a.CreatedAt, &a.LastTriggeredAt, &closedAt, &silencedUntil, &ackBy, &ackAt,
		&a.EscalationLevel, &escalatedAt); err != nil {
		return nil, err
	}
	a.Details = details
	a.RuleID = strPtr(ruleID)
	a.AcknowledgedBy = strPtr(ackBy)
	a.ClosedAt = timePtr(closedAt)
	a.SilencedUntil = timePtr(silencedUntil)
	a.AcknowledgedAt = timePtr(ackAt)
	a.EscalatedAt = timePtr(escalatedAt)
	return &a, nil
}

func collectAlerts(rows *sql.Rows) ([]FleetAlert, error) {
	defer func() { _ = rows.Close() }()
	var alerts []FleetAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}
