package store

import (
	"context"
	"database/sql"
	"fmt"
)

// MappingStore reads metric_mappings, the raw-name to normalized-name
// linear transforms applied before rule evaluation.
type MappingStore struct {
	db *sql.DB
}

func NewMappingStore(db *sql.DB) *MappingStore {
	return &MappingStore{db: db}
}

const mappingSchema = `
CREATE TABLE IF NOT EXISTS metric_mappings (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	raw_name TEXT NOT NULL,
	multiplier DOUBLE PRECISION NOT NULL DEFAULT 1,
	add_offset DOUBLE PRECISION NOT NULL DEFAULT 0,
	priority INT NOT NULL DEFAULT 100,
	enabled BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_metric_mappings_tenant ON metric_mappings(tenant_id, enabled);
`

// Init creates the necessary database tables.
func (s *MappingStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, mappingSchema)
	return err
}

// ListEnabled returns the tenant's mappings in application order:
// priority ascending, then created_at ascending. The first mapping
// whose raw_name is present wins per normalized name.
func (s *MappingStore) ListEnabled(ctx context.Context, tenantID string) ([]MetricMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, normalized_name, raw_name, multiplier, add_offset, priority, enabled, created_at
		FROM metric_mappings
		WHERE tenant_id = $1 AND enabled = true
		ORDER BY priority, created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query metric mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mappings []MetricMapping
	for rows.Next() {
		var m MetricMapping
		if err := rows.Scan(&m.ID, &m.TenantID, &m.NormalizedName, &m.RawName, &m.Multiplier,
			&m.AddOffset, &m.Priority, &m.Enabled, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan metric mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// Upsert writes a mapping row. Used by bootstrap seeding.
func (s *MappingStore) Upsert(ctx context.Context, m *MetricMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_mappings (id, tenant_id, normalized_name, raw_name, multiplier, add_offset, priority, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			normalized_name = EXCLUDED.normalized_name,
			raw_name = EXCLUDED.raw_name,
			multiplier = EXCLUDED.multiplier,
			add_offset = EXCLUDED.add_offset,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled
	`, m.ID, m.TenantID, m.NormalizedName, m.RawName, m.Multiplier, m.AddOffset, m.Priority, m.Enabled)
	if err != nil {
		return fmt.Errorf("store: failed to upsert metric mapping: %w", err)
	}
	return nil
}
