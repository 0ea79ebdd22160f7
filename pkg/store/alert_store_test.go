package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestAlertStore_OpenOrUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	store := NewAlertStore(db)
	ctx := context.Background()

	alert := &FleetAlert{
		TenantID:    "tenant-1",
		SiteID:      "site-a",
		DeviceID:    "sensor-01",
		AlertType:   AlertNoHeartbeat,
		Fingerprint: "NO_HEARTBEAT:sensor-01",
		Severity:    4,
		Confidence:  0.9,
		Summary:     "no heartbeat from sensor-01",
	}

	// First fire inserts a fresh row.
	mock.ExpectQuery("INSERT INTO fleet_alert").
		WithArgs(sqlmock.AnyArg(), "tenant-1", "site-a", "sensor-01", AlertNoHeartbeat,
			"NO_HEARTBEAT:sensor-01", 4, 0.9, "no heartbeat from sensor-01", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created"}).AddRow("alert-1", true))

	created, err := store.OpenOrUpdate(ctx, alert)
	assert.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alert-1", alert.ID)

	// Re-fire lands on the existing row and keeps its id.
	refire := &FleetAlert{
		TenantID:    "tenant-1",
		SiteID:      "site-a",
		DeviceID:    "sensor-01",
		AlertType:   AlertNoHeartbeat,
		Fingerprint: "NO_HEARTBEAT:sensor-01",
		Severity:    4,
		Confidence:  0.9,
		Summary:     "still no heartbeat",
	}
	mock.ExpectQuery("INSERT INTO fleet_alert").
		WithArgs(sqlmock.AnyArg(), "tenant-1", "site-a", "sensor-01", AlertNoHeartbeat,
			"NO_HEARTBEAT:sensor-01", 4, 0.9, "still no heartbeat", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created"}).AddRow("alert-1", false))

	created, err = store.OpenOrUpdate(ctx, refire)
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alert-1", refire.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertStore_Close(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewAlertStore(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE fleet_alert SET status = 'CLOSED', closed_at = now()")).
		WithArgs("tenant-1", "NO_HEARTBEAT:sensor-01").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.Close(context.Background(), "tenant-1", "NO_HEARTBEAT:sensor-01")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertStore_EscalationSweep(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewAlertStore(db)

	mock.ExpectExec("UPDATE fleet_alert a").
		WithArgs("tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.EscalationSweep(context.Background(), "tenant-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewAlertStore(db)

	mock.ExpectQuery("SELECT .+ FROM fleet_alert").
		WithArgs("tenant-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	a, err := store.Get(context.Background(), "tenant-1", "missing")
	assert.NoError(t, err)
	assert.Nil(t, a)
}

func TestAlertStore_ListOpenSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewAlertStore(db)
	now := time.Now()

	cols := []string{"id", "tenant_id", "site_id", "device_id", "alert_type", "fingerprint",
		"status", "severity", "confidence", "summary", "details", "rule_id", "trigger_count",
		"created_at", "last_triggered_at", "closed_at", "silenced_until", "acknowledged_by",
		"acknowledged_at", "escalation_level", "escalated_at"}
	mock.ExpectQuery("SELECT .+ FROM fleet_alert").
		WithArgs(sqlmock.AnyArg(), 500).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("alert-2", "tenant-1", "site-a", "sensor-02", AlertThreshold, "RULE:r1:sensor-02",
				AlertOpen, 2, 1.0, "temp high", []byte(`{"metric":"temp_c"}`), "r1", 3,
				now, now, nil, nil, nil, nil, 0, nil))

	alerts, err := store.ListOpenSince(context.Background(), now.Add(-30*time.Minute), 500)
	assert.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Equal(t, "RULE:r1:sensor-02", alerts[0].Fingerprint)
	assert.Equal(t, 3, alerts[0].TriggerCount)
	if assert.NotNil(t, alerts[0].RuleID) {
		assert.Equal(t, "r1", *alerts[0].RuleID)
	}
	assert.Nil(t, alerts[0].ClosedAt)
}
