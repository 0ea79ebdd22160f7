package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// HashToken maps a device provision token to the hex digest stored in
// provision_token_hash. Ingest and seeding must agree on this form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RegistryStore reads and writes device_registry rows.
type RegistryStore struct {
	db *sql.DB
}

func NewRegistryStore(db *sql.DB) *RegistryStore {
	return &RegistryStore{db: db}
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS device_registry (
	tenant_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	site_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	provision_token_hash TEXT,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, device_id)
);
CREATE INDEX IF NOT EXISTS idx_device_registry_site ON device_registry(tenant_id, site_id);
`

// Init creates the necessary database tables.
func (s *RegistryStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, registrySchema)
	return err
}

// Get returns the registry row, or nil when the device is unknown.
func (s *RegistryStore) Get(ctx context.Context, tenantID, deviceID string) (*RegistryEntry, error) {
	var e RegistryEntry
	var tokenHash sql.NullString
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, device_id, site_id, status, provision_token_hash, metadata, created_at, updated_at
		FROM device_registry
		WHERE tenant_id = $1 AND device_id = $2
	`, tenantID, deviceID).Scan(&e.TenantID, &e.DeviceID, &e.SiteID, &e.Status, &tokenHash, &metadata, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query registry: %w", err)
	}
	e.ProvisionTokenHash = tokenHash.String
	e.Metadata = metadata
	return &e, nil
}

// Provision inserts a registry row if the device is not yet known.
// Used by ingest auto-provisioning; an existing row is left untouched.
func (s *RegistryStore) Provision(ctx context.Context, tenantID, deviceID, siteID, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_registry (tenant_id, device_id, site_id, status, provision_token_hash)
		VALUES ($1, $2, $3, 'ACTIVE', NULLIF($4, ''))
		ON CONFLICT (tenant_id, device_id) DO NOTHING
	`, tenantID, deviceID, siteID, tokenHash)
	if err != nil {
		return fmt.Errorf("store: failed to provision device: %w", err)
	}
	return nil
}

// Upsert writes a full registry row. Used by bootstrap seeding.
func (s *RegistryStore) Upsert(ctx context.Context, e *RegistryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_registry (tenant_id, device_id, site_id, status, provision_token_hash, metadata, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, now())
		ON CONFLICT (tenant_id, device_id) DO UPDATE SET
			site_id = EXCLUDED.site_id,
			status = EXCLUDED.status,
			provision_token_hash = EXCLUDED.provision_token_hash,
			metadata = EXCLUDED.metadata,
			updated_at = now()
	`, e.TenantID, e.DeviceID, e.SiteID, e.Status, e.ProvisionTokenHash, nullableJSON(e.Metadata))
	if err != nil {
		return fmt.Errorf("store: failed to upsert registry: %w", err)
	}
	return nil
}

// SetStatus flips a device's lifecycle status (revoke, delete, restore).
func (s *RegistryStore) SetStatus(ctx context.Context, tenantID, deviceID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_registry SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND device_id = $2
	`, tenantID, deviceID, status)
	if err != nil {
		return fmt.Errorf("store: failed to set device status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: device %s/%s not found", tenantID, deviceID)
	}
	return nil
}

// Tenants lists the distinct tenants with at least one registered,
// non-deleted device. The evaluator fallback cycle scans these.
func (s *RegistryStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM device_registry WHERE status <> 'DELETED' ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("store: failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
