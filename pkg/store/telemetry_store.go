package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// TelemetryStore writes telemetry batches and serves the evaluator's
// read queries against the time-partitioned table.
type TelemetryStore struct {
	db *sql.DB
}

func NewTelemetryStore(db *sql.DB) *TelemetryStore {
	return &TelemetryStore{db: db}
}

const telemetrySchema = `
CREATE TABLE IF NOT EXISTS telemetry (
	time TIMESTAMPTZ NOT NULL,
	tenant_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	site_id TEXT NOT NULL,
	msg_type TEXT NOT NULL DEFAULT 'telemetry',
	seq BIGINT NOT NULL DEFAULT 0,
	metrics JSONB NOT NULL DEFAULT '{}',
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_telemetry_device_time ON telemetry(tenant_id, device_id, time DESC);
CREATE INDEX IF NOT EXISTS idx_telemetry_tenant_time ON telemetry(tenant_id, time DESC);
DO $$ BEGIN
	IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
		PERFORM create_hypertable('telemetry', 'time', if_not_exists => TRUE, migrate_data => TRUE);
	END IF;
END $$;
`

// Init creates the telemetry table, promoting it to a hypertable when
// TimescaleDB is installed.
func (s *TelemetryStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, telemetrySchema)
	return err
}

// InsertBatch writes a batch with one parameterized multi-row INSERT.
// Suitable for batches of up to ~100 rows; larger batches go through
// CopyBatch.
func (s *TelemetryStore) InsertBatch(ctx context.Context, records []TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*8)
	for i, r := range records {
		base := i * 8
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		metricsJSON, err := marshalMetrics(r.Metrics)
		if err != nil {
			return err
		}
		args = append(args, r.Time, r.TenantID, r.DeviceID, r.SiteID, r.MsgType, r.Seq, metricsJSON, r.IngestedAt)
	}

	query := `INSERT INTO telemetry (time, tenant_id, device_id, site_id, msg_type, seq, metrics, ingested_at) VALUES ` +
		strings.Join(placeholders, ",")
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: failed to insert telemetry batch: %w", err)
	}
	return nil
}

// CopyBatch bulk-loads a batch with COPY. One transaction; all or nothing.
func (s *TelemetryStore) CopyBatch(ctx context.Context, records []TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin copy transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("telemetry",
		"time", "tenant_id", "device_id", "site_id", "msg_type", "seq", "metrics", "ingested_at"))
	if err != nil {
		return fmt.Errorf("store: failed to prepare copy: %w", err)
	}

	for _, r := range records {
		metricsJSON, err := marshalMetrics(r.Metrics)
		if err != nil {
			_ = stmt.Close()
			return err
		}
		// COPY text encoding turns []byte into bytea; JSONB needs a string.
		if _, err := stmt.ExecContext(ctx, r.Time, r.TenantID, r.DeviceID, r.SiteID, r.MsgType, r.Seq, string(metricsJSON), r.IngestedAt); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("store: failed to copy telemetry row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("store: failed to flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("store: failed to close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit copy: %w", err)
	}
	return nil
}

// DeviceRollups returns, for every registered device of the given
// tenants, its registry status, latest heartbeat/telemetry timestamps
// and the metrics of its newest sample.
func (s *TelemetryStore) DeviceRollups(ctx context.Context, tenantIDs []string) ([]DeviceRollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.tenant_id, r.device_id, r.site_id, COALESCE(r.metadata->>'type', ''), r.status,
		       hb.last_heartbeat_at, lt.last_telemetry_at, lt.metrics
		FROM device_registry r
		LEFT JOIN LATERAL (
			SELECT max(t.time) AS last_heartbeat_at
			FROM telemetry t
			WHERE t.tenant_id = r.tenant_id AND t.device_id = r.device_id AND t.msg_type = 'heartbeat'
		) hb ON true
		LEFT JOIN LATERAL (
			SELECT t.time AS last_telemetry_at, t.metrics
			FROM telemetry t
			WHERE t.tenant_id = r.tenant_id AND t.device_id = r.device_id
			ORDER BY t.time DESC
			LIMIT 1
		) lt ON true
		WHERE r.tenant_id = ANY($1) AND r.status <> 'DELETED'
		ORDER BY r.tenant_id, r.device_id
	`, pq.Array(tenantIDs))
	if err != nil {
		return nil, fmt.Errorf("store: failed to query device rollups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rollups []DeviceRollup
	for rows.Next() {
		var r DeviceRollup
		var hb, lt sql.NullTime
		var metricsRaw []byte
		if err := rows.Scan(&r.TenantID, &r.DeviceID, &r.SiteID, &r.DeviceType, &r.RegistryStatus, &hb, &lt, &metricsRaw); err != nil {
			return nil, fmt.Errorf("store: failed to scan rollup: %w", err)
		}
		r.LastHeartbeatAt = timePtr(hb)
		r.LastTelemetryAt = timePtr(lt)
		metrics, err := unmarshalMetrics(metricsRaw)
		if err != nil {
			return nil, err
		}
		r.LatestMetrics = metrics
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

// sqlComparison maps a rule operator onto its SQL form. The operator
// set is closed; anything else is a configuration error.
func sqlComparison(op string) (string, error) {
	switch op {
	case "GT":
		return ">", nil
	case "GTE":
		return ">=", nil
	case "LT":
		return "<", nil
	case "LTE":
		return "<=", nil
	case "EQ":
		return "=", nil
	case "NE":
		return "<>", nil
	default:
		return "", fmt.Errorf("store: unknown operator %q", op)
	}
}

// BreachWindow counts rows in the window that do NOT satisfy the
// comparison, plus the total rows carrying the metric. A window is
// continuously breached iff nonBreaching == 0 and total >= 1.
func (s *TelemetryStore) BreachWindow(ctx context.Context, tenantID, deviceID, metric, op string, threshold float64, since time.Time) (nonBreaching, total int64, err error) {
	cmp, err := sqlComparison(op)
	if err != nil {
		return 0, 0, err
	}
	query := fmt.Sprintf(`
		SELECT COUNT(*) FILTER (WHERE NOT (val %s $5)), COUNT(*)
		FROM (
			SELECT (metrics->>$3)::float8 AS val
			FROM telemetry
			WHERE tenant_id = $1 AND device_id = $2 AND time >= $4 AND metrics->>$3 IS NOT NULL
		) samples
	`, cmp)
	if err := s.db.QueryRowContext(ctx, query, tenantID, deviceID, metric, since, threshold).Scan(&nonBreaching, &total); err != nil {
		return 0, 0, fmt.Errorf("store: failed to query breach window: %w", err)
	}
	return nonBreaching, total, nil
}

// MetricStats holds the aggregate shape of a metric over a window.
type MetricStats struct {
	Mean   float64
	StdDev float64
	Count  int64
	Latest float64
}

// Stats computes mean, population stddev, sample count and the latest
// value for a metric since the given instant.
func (s *TelemetryStore) Stats(ctx context.Context, tenantID, deviceID, metric string, since time.Time) (MetricStats, error) {
	var st MetricStats
	err := s.db.QueryRowContext(ctx, `
		WITH samples AS (
			SELECT time, (metrics->>$3)::float8 AS val
			FROM telemetry
			WHERE tenant_id = $1 AND device_id = $2 AND time >= $4 AND metrics->>$3 IS NOT NULL
		)
		SELECT COALESCE(avg(val), 0), COALESCE(stddev_pop(val), 0), COUNT(*),
		       COALESCE((SELECT val FROM samples ORDER BY time DESC LIMIT 1), 0)
		FROM samples
	`, tenantID, deviceID, metric, since).Scan(&st.Mean, &st.StdDev, &st.Count, &st.Latest)
	if err != nil {
		return MetricStats{}, fmt.Errorf("store: failed to query metric stats: %w", err)
	}
	return st, nil
}

// HasMetricSince reports whether any row carries the metric within the
// window. Drives telemetry_gap rules.
func (s *TelemetryStore) HasMetricSince(ctx context.Context, tenantID, deviceID, metric string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM telemetry
			WHERE tenant_id = $1 AND device_id = $2 AND time >= $3 AND metrics->>$4 IS NOT NULL
		)
	`, tenantID, deviceID, since, metric).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: failed to query metric presence: %w", err)
	}
	return exists, nil
}
