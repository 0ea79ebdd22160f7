package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Spool is the local store-and-forward buffer the batch writer falls
// back to when Postgres is unreachable. Records drain FIFO, preserving
// per-device order, and a row is deleted only after the primary store
// accepted it.
type Spool struct {
	db *sql.DB
}

// OpenSpool opens or creates the spool file at path.
func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open spool: %w", err)
	}
	s := &Spool{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Spool) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS spooled_telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: failed to migrate spool: %w", err)
	}
	return nil
}

// Append persists a failed batch, in order, in one transaction.
func (s *Spool) Append(ctx context.Context, records []TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin spool tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO spooled_telemetry (record) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare spool insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range records {
		encoded, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("store: failed to encode spool record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, string(encoded)); err != nil {
			return fmt.Errorf("store: failed to append spool record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit spool append: %w", err)
	}
	return nil
}

// Next returns up to limit of the oldest spooled records with their row
// ids. Rows stay until Delete confirms the primary store took them.
func (s *Spool) Next(ctx context.Context, limit int) ([]int64, []TelemetryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record FROM spooled_telemetry ORDER BY id LIMIT ?
	`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("store: failed to read spool: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	var records []TelemetryRecord
	for rows.Next() {
		var id int64
		var encoded string
		if err := rows.Scan(&id, &encoded); err != nil {
			return nil, nil, fmt.Errorf("store: failed to scan spool row: %w", err)
		}
		var rec TelemetryRecord
		if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
			return nil, nil, fmt.Errorf("store: failed to decode spool record %d: %w", id, err)
		}
		ids = append(ids, id)
		records = append(records, rec)
	}
	return ids, records, rows.Err()
}

// Delete removes drained rows.
func (s *Spool) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM spooled_telemetry WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("store: failed to delete spool rows: %w", err)
	}
	return nil
}

// Count returns the number of spooled records.
func (s *Spool) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_telemetry`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count spool: %w", err)
	}
	return n, nil
}

// Close closes the spool file.
func (s *Spool) Close() error {
	return s.db.Close()
}
