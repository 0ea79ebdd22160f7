package ingest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/pulseiot/pulse/pkg/store"
)

func settingsRows(pairs map[string]string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"key", "value"})
	for k, v := range pairs {
		rows.AddRow(k, v)
	}
	return rows
}

func TestSettingsPoller_DefaultsBeforeFirstRefresh(t *testing.T) {
	defaults := RuntimeSettings{
		StoreRejects:    true,
		MaxPayloadBytes: 65536,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
	p := NewSettingsPoller(nil, defaults, time.Minute, slog.Default())

	assert.Equal(t, defaults, p.Current())
}

func TestSettingsPoller_ProdDefaultsClampRejectStorage(t *testing.T) {
	defaults := RuntimeSettings{
		Prod:               true,
		StoreRejects:       true,
		MirrorRejectsToRaw: true,
		MaxPayloadBytes:    65536,
	}
	p := NewSettingsPoller(nil, defaults, time.Minute, slog.Default())

	got := p.Current()
	assert.False(t, got.StoreRejects)
	assert.False(t, got.MirrorRejectsToRaw)
}

func TestSettingsPoller_RefreshMergesTableOverDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT key, value FROM app_settings").
		WillReturnRows(settingsRows(map[string]string{
			"MODE":              "DEV",
			"STORE_REJECTS":     "true",
			"MAX_PAYLOAD_BYTES": "1024",
			"RATE_LIMIT_RPS":    "5.5",
			"RATE_LIMIT_BURST":  "10",
			"UNRELATED_KEY":     "ignored",
		}))

	defaults := RuntimeSettings{MaxPayloadBytes: 65536, RateLimitRPS: 20, RateLimitBurst: 40}
	p := NewSettingsPoller(store.NewSettingsStore(db), defaults, time.Minute, slog.Default())

	assert.NoError(t, p.Refresh(context.Background()))

	got := p.Current()
	assert.False(t, got.Prod)
	assert.True(t, got.StoreRejects)
	assert.Equal(t, 1024, got.MaxPayloadBytes)
	assert.Equal(t, 5.5, got.RateLimitRPS)
	assert.Equal(t, 10, got.RateLimitBurst)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsPoller_IgnoresUnparseableValues(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT key, value FROM app_settings").
		WillReturnRows(settingsRows(map[string]string{
			"MAX_PAYLOAD_BYTES": "lots",
			"RATE_LIMIT_RPS":    "-3",
			"RATE_LIMIT_BURST":  "0",
		}))

	defaults := RuntimeSettings{MaxPayloadBytes: 65536, RateLimitRPS: 20, RateLimitBurst: 40}
	p := NewSettingsPoller(store.NewSettingsStore(db), defaults, time.Minute, slog.Default())

	assert.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, defaults, p.Current())
}

func TestSettingsPoller_ProdRowForcesRejectStorageOff(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT key, value FROM app_settings").
		WillReturnRows(settingsRows(map[string]string{
			"MODE":                  "PROD",
			"STORE_REJECTS":         "true",
			"MIRROR_REJECTS_TO_RAW": "true",
		}))

	p := NewSettingsPoller(store.NewSettingsStore(db), RuntimeSettings{MaxPayloadBytes: 65536}, time.Minute, slog.Default())

	assert.NoError(t, p.Refresh(context.Background()))

	got := p.Current()
	assert.True(t, got.Prod)
	assert.False(t, got.StoreRejects)
	assert.False(t, got.MirrorRejectsToRaw)
}

func TestSettingsPoller_RefreshErrorKeepsSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT key, value FROM app_settings").
		WillReturnError(assert.AnError)

	defaults := RuntimeSettings{MaxPayloadBytes: 65536, RateLimitRPS: 20, RateLimitBurst: 40}
	p := NewSettingsPoller(store.NewSettingsStore(db), defaults, time.Minute, slog.Default())

	assert.Error(t, p.Refresh(context.Background()))
	assert.Equal(t, defaults, p.Current())
}
