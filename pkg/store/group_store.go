package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// GroupStore reads device_group_members, the membership table behind a
// rule's group_ids scope filter.
type GroupStore struct {
	db *sql.DB
}

func NewGroupStore(db *sql.DB) *GroupStore {
	return &GroupStore{db: db}
}

const groupSchema = `
CREATE TABLE IF NOT EXISTS device_group_members (
	tenant_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	PRIMARY KEY (tenant_id, group_id, device_id)
);
CREATE INDEX IF NOT EXISTS idx_group_members_device ON device_group_members(tenant_id, device_id);
`

// Init creates the necessary database tables.
func (s *GroupStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, groupSchema)
	return err
}

// DevicesInGroups returns the set of device ids that belong to any of
// the given groups.
func (s *GroupStore) DevicesInGroups(ctx context.Context, tenantID string, groupIDs []string) (map[string]bool, error) {
	members := make(map[string]bool)
	if len(groupIDs) == 0 {
		return members, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT device_id FROM device_group_members
		WHERE tenant_id = $1 AND group_id = ANY($2)
	`, tenantID, pq.Array(groupIDs))
	if err != nil {
		return nil, fmt.Errorf("store: failed to query group members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var deviceID string
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("store: failed to scan group member: %w", err)
		}
		members[deviceID] = true
	}
	return members, rows.Err()
}

// Add inserts a membership row. Used by bootstrap seeding.
func (s *GroupStore) Add(ctx context.Context, tenantID, groupID, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_group_members (tenant_id, group_id, device_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, tenantID, groupID, deviceID)
	if err != nil {
		return fmt.Errorf("store: failed to add group member: %w", err)
	}
	return nil
}
