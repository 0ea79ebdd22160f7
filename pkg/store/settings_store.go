package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SettingsStore is the runtime key/value table the ingest poller reads.
// Values are plain strings; callers parse them.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

const settingsSchema = `
CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Init creates the necessary database tables.
func (s *SettingsStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, settingsSchema)
	return err
}

// GetAll returns every setting as a map.
func (s *SettingsStore) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_settings`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: failed to scan setting: %w", err)
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// Get returns one setting value, or empty string when unset.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = $1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: failed to query setting: %w", err)
	}
	return v, nil
}

// Set upserts one setting.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: failed to set setting: %w", err)
	}
	return nil
}
