package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DeviceStateStore maintains the evaluator-owned liveness rows.
type DeviceStateStore struct {
	db *sql.DB
}

func NewDeviceStateStore(db *sql.DB) *DeviceStateStore {
	return &DeviceStateStore{db: db}
}

const deviceStateSchema = `
CREATE TABLE IF NOT EXISTS device_state (
	tenant_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'STALE',
	last_heartbeat_at TIMESTAMPTZ,
	last_telemetry_at TIMESTAMPTZ,
	last_seen_at TIMESTAMPTZ,
	last_state_change_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	latest_metrics JSONB NOT NULL DEFAULT '{}',
	desired_state JSONB,
	reported_state JSONB,
	desired_version BIGINT NOT NULL DEFAULT 0,
	reported_version BIGINT NOT NULL DEFAULT 0,
	shadow_updated_at TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, device_id)
);
`

// Init creates the necessary database tables.
func (s *DeviceStateStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, deviceStateSchema)
	return err
}

// UpsertObserved writes the computed liveness fields for one device.
// last_state_change_at moves only when status actually transitions, and
// the shadow columns are never touched here; they belong to the
// command/shadow APIs.
func (s *DeviceStateStore) UpsertObserved(ctx context.Context, st *DeviceState) error {
	metricsJSON, err := marshalMetrics(st.LatestMetrics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_state (tenant_id, device_id, status, last_heartbeat_at, last_telemetry_at, last_seen_at, latest_metrics)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
		ON CONFLICT (tenant_id, device_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			last_telemetry_at = EXCLUDED.last_telemetry_at,
			last_seen_at = now(),
			latest_metrics = EXCLUDED.latest_metrics,
			last_state_change_at = CASE
				WHEN device_state.status IS DISTINCT FROM EXCLUDED.status THEN now()
				ELSE device_state.last_state_change_at
			END
	`, st.TenantID, st.DeviceID, st.Status, st.LastHeartbeatAt, st.LastTelemetryAt, metricsJSON)
	if err != nil {
		return fmt.Errorf("store: failed to upsert device state: %w", err)
	}
	return nil
}

// Get returns the state row, or nil when the device has not been
// observed yet.
func (s *DeviceStateStore) Get(ctx context.Context, tenantID, deviceID string) (*DeviceState, error) {
	var st DeviceState
	var hb, lt, seen, change, shadow sql.NullTime
	var metricsRaw, desired, reported []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, device_id, status, last_heartbeat_at, last_telemetry_at, last_seen_at,
		       last_state_change_at, latest_metrics, desired_state, reported_state,
		       desired_version, reported_version, shadow_updated_at
		FROM device_state
		WHERE tenant_id = $1 AND device_id = $2
	`, tenantID, deviceID).Scan(&st.TenantID, &st.DeviceID, &st.Status, &hb, &lt, &seen,
		&change, &metricsRaw, &desired, &reported, &st.DesiredVersion, &st.ReportedVersion, &shadow)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to query device state: %w", err)
	}
	st.LastHeartbeatAt = timePtr(hb)
	st.LastTelemetryAt = timePtr(lt)
	st.LastSeenAt = timePtr(seen)
	st.LastStateChangeAt = timePtr(change)
	st.ShadowUpdatedAt = timePtr(shadow)
	st.DesiredState = desired
	st.ReportedState = reported
	metrics, err := unmarshalMetrics(metricsRaw)
	if err != nil {
		return nil, err
	}
	st.LatestMetrics = metrics
	return &st, nil
}
