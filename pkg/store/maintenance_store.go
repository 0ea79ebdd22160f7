package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// MaintenanceStore reads alert_maintenance_windows.
type MaintenanceStore struct {
	db *sql.DB
}

func NewMaintenanceStore(db *sql.DB) *MaintenanceStore {
	return &MaintenanceStore{db: db}
}

const maintenanceSchema = `
CREATE TABLE IF NOT EXISTS alert_maintenance_windows (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT true,
	starts_at TIMESTAMPTZ NOT NULL,
	ends_at TIMESTAMPTZ,
	recurring BOOLEAN NOT NULL DEFAULT false,
	days_of_week INT[] NOT NULL DEFAULT '{}',
	start_hour INT NOT NULL DEFAULT 0,
	end_hour INT NOT NULL DEFAULT 24,
	site_ids TEXT[] NOT NULL DEFAULT '{}',
	device_types TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_maintenance_tenant ON alert_maintenance_windows(tenant_id, enabled);
`

// Init creates the necessary database tables.
func (s *MaintenanceStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, maintenanceSchema)
	return err
}

// ListEnabled returns the tenant's enabled windows. Activity at a given
// instant is decided in the evaluator.
func (s *MaintenanceStore) ListEnabled(ctx context.Context, tenantID string) ([]MaintenanceWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, enabled, starts_at, ends_at, recurring, days_of_week,
		       start_hour, end_hour, site_ids, device_types, created_at
		FROM alert_maintenance_windows
		WHERE tenant_id = $1 AND enabled = true
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query maintenance windows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var windows []MaintenanceWindow
	for rows.Next() {
		var w MaintenanceWindow
		var endsAt sql.NullTime
		if err := rows.Scan(&w.ID, &w.TenantID, &w.Name, &w.Enabled, &w.StartsAt, &endsAt, &w.Recurring,
			pq.Array(&w.DaysOfWeek), &w.StartHour, &w.EndHour, pq.Array(&w.SiteIDs),
			pq.Array(&w.DeviceTypes), &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan maintenance window: %w", err)
		}
		w.EndsAt = timePtr(endsAt)
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// Upsert writes a window row. Used by bootstrap seeding.
func (s *MaintenanceStore) Upsert(ctx context.Context, w *MaintenanceWindow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_maintenance_windows (id, tenant_id, name, enabled, starts_at, ends_at,
			recurring, days_of_week, start_hour, end_hour, site_ids, device_types)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			recurring = EXCLUDED.recurring,
			days_of_week = EXCLUDED.days_of_week,
			start_hour = EXCLUDED.start_hour,
			end_hour = EXCLUDED.end_hour,
			site_ids = EXCLUDED.site_ids,
			device_types = EXCLUDED.device_types
	`, w.ID, w.TenantID, w.Name, w.Enabled, w.StartsAt, w.EndsAt, w.Recurring,
		pq.Array(w.DaysOfWeek), w.StartHour, w.EndHour, pq.Array(w.SiteIDs), pq.Array(w.DeviceTypes))
	if err != nil {
		return fmt.Errorf("store: failed to upsert maintenance window: %w", err)
	}
	return nil
}
