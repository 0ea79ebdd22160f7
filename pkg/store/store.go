// Package store holds the shared Postgres access layer: one small store
// per concern, each owning its schema, plus the telemetry batch writer
// and the LISTEN/NOTIFY helpers. Stores return errors and never log;
// services decide what is worth reporting.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open connects to Postgres with bounded pool settings and verifies the
// connection. The DSN may carry extra runtime parameters such as
// statement_timeout.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: failed to ping database: %w", err)
	}
	return db, nil
}

// InitAll runs every store's schema. Bootstrap calls this once per
// deployment; IF NOT EXISTS makes it safe to repeat.
func InitAll(ctx context.Context, db *sql.DB) error {
	inits := []interface {
		Init(context.Context) error
	}{
		NewRegistryStore(db),
		NewTelemetryStore(db),
		NewDeviceStateStore(db),
		NewRuleStore(db),
		NewMappingStore(db),
		NewMaintenanceStore(db),
		NewGroupStore(db),
		NewAlertStore(db),
		NewIntegrationStore(db),
		NewRouteStore(db),
		NewDigestStore(db),
		NewJobStore(db),
		NewAttemptStore(db),
		NewQuarantineStore(db),
		NewSettingsStore(db),
	}
	for _, s := range inits {
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("store: init failed: %w", err)
		}
	}
	return nil
}

// nullableJSON maps empty JSON to NULL so JSONB columns stay clean.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// marshalMetrics encodes a metrics map for a JSONB column.
func marshalMetrics(metrics map[string]float64) ([]byte, error) {
	if metrics == nil {
		metrics = map[string]float64{}
	}
	b, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal metrics: %w", err)
	}
	return b, nil
}

// unmarshalMetrics decodes a JSONB metrics column; NULL yields an empty map.
func unmarshalMetrics(raw []byte) (map[string]float64, error) {
	metrics := map[string]float64{}
	if len(raw) == 0 {
		return metrics, nil
	}
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal metrics: %w", err)
	}
	return metrics, nil
}

// timePtr converts a NullTime to the pointer form used in the entities.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// strPtr converts a NullString to a pointer, mapping empty to nil.
func strPtr(s sql.NullString) *string {
	if !s.Valid || s.String == "" {
		return nil
	}
	v := s.String
	return &v
}

// intPtr converts a NullInt64 to an int pointer.
func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
