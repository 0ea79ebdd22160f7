package store

import (
	"context"
	"database/sql"
	"fmt"
)

// IntegrationStore persists delivery endpoint definitions. Config is
// kept as raw JSONB; each channel parses and validates its own shape at
// send time so a bad config fails the job, not the whole poller.
type IntegrationStore struct {
	db *sql.DB
}

func NewIntegrationStore(db *sql.DB) *IntegrationStore {
	return &IntegrationStore{db: db}
}

const integrationSchema = `
CREATE TABLE IF NOT EXISTS integrations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	config JSONB NOT NULL DEFAULT '{}',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_integrations_tenant ON integrations(tenant_id);
`

// Init creates the necessary database tables.
func (s *IntegrationStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, integrationSchema)
	return err
}

// Get returns one integration or nil when absent.
func (s *IntegrationStore) Get(ctx context.Context, tenantID, id string) (*Integration, error) {
	var in Integration
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, kind, config, enabled, created_at
		FROM integrations
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&in.ID, &in.TenantID, &in.Name, &in.Kind, &in.Config, &in.Enabled, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query integration: %w", err)
	}
	return &in, nil
}

// Upsert inserts or replaces an integration definition.
func (s *IntegrationStore) Upsert(ctx context.Context, in *Integration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, tenant_id, name, kind, config, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			config = EXCLUDED.config,
			enabled = EXCLUDED.enabled,
			updated_at = now()
	`, in.ID, in.TenantID, in.Name, in.Kind, in.Config, in.Enabled)
	if err != nil {
		return fmt.Errorf("store: failed to upsert integration: %w", err)
	}
	return nil
}

// SetEnabled flips one integration on or off.
func (s *IntegrationStore) SetEnabled(ctx context.Context, tenantID, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET enabled = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, enabled)
	if err != nil {
		return fmt.Errorf("store: failed to update integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: integration %s not found", id)
	}
	return nil
}
