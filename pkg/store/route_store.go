package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// RouteStore persists alert routing rules. Matching itself lives in the
// dispatcher; the store only narrows to routes whose integration is
// still enabled so disabled endpoints drop out without a config reload.
type RouteStore struct {
	db *sql.DB
}

func NewRouteStore(db *sql.DB) *RouteStore {
	return &RouteStore{db: db}
}

const routeSchema = `
CREATE TABLE IF NOT EXISTS integration_routes (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	integration_id TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	priority INT NOT NULL DEFAULT 100,
	min_severity INT,
	alert_types TEXT[] NOT NULL DEFAULT '{}',
	site_ids TEXT[] NOT NULL DEFAULT '{}',
	device_prefixes TEXT[] NOT NULL DEFAULT '{}',
	deliver_on TEXT[] NOT NULL DEFAULT '{OPEN}',
	filter_cel TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_integration_routes_tenant ON integration_routes(tenant_id, enabled);
`

// Init creates the necessary database tables.
func (s *RouteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, routeSchema)
	return err
}

const routeColumns = `r.id, r.tenant_id, r.name, r.integration_id, r.enabled, r.priority,
	r.min_severity, r.alert_types, r.site_ids, r.device_prefixes, r.deliver_on, r.filter_cel, r.created_at`

// ListActive returns a tenant's enabled routes whose integrations are
// also enabled, ordered by priority then age, bounded by limit.
func (s *RouteStore) ListActive(ctx context.Context, tenantID string, limit int) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+routeColumns+`
		FROM integration_routes r
		JOIN integrations i ON i.tenant_id = r.tenant_id AND i.id = r.integration_id
		WHERE r.tenant_id = $1 AND r.enabled AND i.enabled
		ORDER BY r.priority, r.created_at
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query routes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var routes []Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan route: %w", err)
		}
		routes = append(routes, *r)
	}
	return routes, rows.Err()
}

// Get returns one route or nil when absent, without the enabled joins.
func (s *RouteStore) Get(ctx context.Context, tenantID, id string) (*Route, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+routeColumns+`
		FROM integration_routes r
		WHERE r.tenant_id = $1 AND r.id = $2
	`, tenantID, id)
	r, err := scanRoute(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query route: %w", err)
	}
	return r, nil
}

// Upsert inserts or replaces a route definition.
func (s *RouteStore) Upsert(ctx context.Context, r *Route) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_routes (id, tenant_id, name, integration_id, enabled, priority,
			min_severity, alert_types, site_ids, device_prefixes, deliver_on, filter_cel)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			integration_id = EXCLUDED.integration_id,
			enabled = EXCLUDED.enabled,
			priority = EXCLUDED.priority,
			min_severity = EXCLUDED.min_severity,
			alert_types = EXCLUDED.alert_types,
			site_ids = EXCLUDED.site_ids,
			device_prefixes = EXCLUDED.device_prefixes,
			deliver_on = EXCLUDED.deliver_on,
			filter_cel = EXCLUDED.filter_cel
	`, r.ID, r.TenantID, r.Name, r.IntegrationID, r.Enabled, r.Priority, r.MinSeverity,
		pq.Array(r.AlertTypes), pq.Array(r.SiteIDs), pq.Array(r.DevicePrefixes),
		pq.Array(r.DeliverOn), r.FilterCEL)
	if err != nil {
		return fmt.Errorf("store: failed to upsert route: %w", err)
	}
	return nil
}

func scanRoute(sc rowScanner) (*Route, error) {
	var r Route
	var minSev sql.NullInt64
	var filter sql.NullString
	if err := sc.Scan(&r.ID, &r.TenantID, &r.Name, &r.IntegrationID, &r.Enabled, &r.Priority,
		&minSev, pq.Array(&r.AlertTypes), pq.Array(&r.SiteIDs), pq.Array(&r.DevicePrefixes),
		pq.Array(&r.DeliverOn), &filter, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.MinSeverity = intPtr(minSev)
	r.FilterCEL = strPtr(filter)
	return &r, nil
}
