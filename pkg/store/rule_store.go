package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// RuleStore reads and writes alert_rules.
type RuleStore struct {
	db *sql.DB
}

func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db}
}

const ruleSchema = `
CREATE TABLE IF NOT EXISTS alert_rules (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	rule_type TEXT NOT NULL DEFAULT 'threshold',
	enabled BOOLEAN NOT NULL DEFAULT true,
	metric_name TEXT NOT NULL DEFAULT '',
	operator TEXT NOT NULL DEFAULT 'GT',
	threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	severity INT NOT NULL DEFAULT 3,
	site_ids TEXT[] NOT NULL DEFAULT '{}',
	group_ids TEXT[] NOT NULL DEFAULT '{}',
	conditions JSONB,
	match_mode TEXT NOT NULL DEFAULT 'all',
	duration_seconds INT NOT NULL DEFAULT 0,
	aggregation TEXT NOT NULL DEFAULT 'avg',
	window_seconds INT NOT NULL DEFAULT 0,
	escalation_minutes INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_alert_rules_tenant_enabled ON alert_rules(tenant_id, enabled);
`

// Init creates the necessary database tables.
func (s *RuleStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ruleSchema)
	return err
}

// ListEnabled returns the tenant's enabled rules ordered by creation.
func (s *RuleStore) ListEnabled(ctx context.Context, tenantID string) ([]AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, rule_type, enabled, metric_name, operator, threshold, severity,
		       site_ids, group_ids, conditions, match_mode, duration_seconds, aggregation,
		       window_seconds, escalation_minutes, created_at, updated_at
		FROM alert_rules
		WHERE tenant_id = $1 AND enabled = true
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []AlertRule
	for rows.Next() {
		var r AlertRule
		var conditions []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.RuleType, &r.Enabled, &r.MetricName,
			&r.Operator, &r.Threshold, &r.Severity, pq.Array(&r.SiteIDs), pq.Array(&r.GroupIDs),
			&conditions, &r.MatchMode, &r.DurationSeconds, &r.Aggregation, &r.WindowSeconds,
			&r.EscalationMinutes, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan rule: %w", err)
		}
		r.Conditions = conditions
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// Upsert writes a rule row. Used by bootstrap seeding.
func (s *RuleStore) Upsert(ctx context.Context, r *AlertRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, tenant_id, name, rule_type, enabled, metric_name, operator, threshold,
			severity, site_ids, group_ids, conditions, match_mode, duration_seconds, aggregation,
			window_seconds, escalation_minutes, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			rule_type = EXCLUDED.rule_type,
			enabled = EXCLUDED.enabled,
			metric_name = EXCLUDED.metric_name,
			operator = EXCLUDED.operator,
			threshold = EXCLUDED.threshold,
			severity = EXCLUDED.severity,
			site_ids = EXCLUDED.site_ids,
			group_ids = EXCLUDED.group_ids,
			conditions = EXCLUDED.conditions,
			match_mode = EXCLUDED.match_mode,
			duration_seconds = EXCLUDED.duration_seconds,
			aggregation = EXCLUDED.aggregation,
			window_seconds = EXCLUDED.window_seconds,
			escalation_minutes = EXCLUDED.escalation_minutes,
			updated_at = now()
	`, r.ID, r.TenantID, r.Name, r.RuleType, r.Enabled, r.MetricName, r.Operator, r.Threshold,
		r.Severity, pq.Array(r.SiteIDs), pq.Array(r.GroupIDs), nullableJSON(r.Conditions), r.MatchMode,
		r.DurationSeconds, r.Aggregation, r.WindowSeconds, r.EscalationMinutes)
	if err != nil {
		return fmt.Errorf("store: failed to upsert rule: %w", err)
	}
	return nil
}
