package dispatcher

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseiot/pulse/pkg/config"
	"github.com/pulseiot/pulse/pkg/observability"
	"github.com/pulseiot/pulse/pkg/store"
)

var dispatchNow = time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC)

func testObs(t *testing.T) *observability.Provider {
	t.Helper()
	obs, err := observability.New(context.Background(), nil)
	if err != nil {
		t.Fatalf("observability.New: %v", err)
	}
	return obs
}

func newDispatchService(t *testing.T, db *sql.DB) *Service {
	t.Helper()
	cfg := &config.Config{
		Dispatcher: config.DispatcherConfig{
			AlertLookback: 30 * time.Minute,
			AlertLimit:    500,
			RouteLimit:    200,
		},
	}
	svc, err := NewService(db, cfg, testObs(t), slog.Default())
	require.NoError(t, err)
	return svc.WithClock(func() time.Time { return dispatchNow })
}

func alertRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "site_id", "device_id", "alert_type", "fingerprint", "status", "severity",
		"confidence", "summary", "details", "rule_id", "trigger_count", "created_at", "last_triggered_at",
		"closed_at", "silenced_until", "acknowledged_by", "acknowledged_at", "escalation_level", "escalated_at",
	})
}

func addAlert(rows *sqlmock.Rows, id string, severity int, escalatedAt *time.Time) *sqlmock.Rows {
	level := 0
	var esc interface{}
	if escalatedAt != nil {
		level = 1
		esc = *escalatedAt
	}
	return rows.AddRow(id, "tenant-1", "site-1", "dev-1", "NO_HEARTBEAT", "NO_HEARTBEAT:dev-1",
		"OPEN", severity, 0.9, "no heartbeat from dev-1", nil, nil, 1,
		dispatchNow.Add(-5*time.Minute), dispatchNow.Add(-time.Minute),
		nil, nil, nil, nil, level, esc)
}

func routeRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "integration_id", "enabled", "priority",
		"min_severity", "alert_types", "site_ids", "device_prefixes", "deliver_on", "filter_cel", "created_at",
	})
}

func addRoute(rows *sqlmock.Rows, id, deliverOn string) *sqlmock.Rows {
	return rows.AddRow(id, "tenant-1", "ops", "int-1", true, 100,
		nil, "{}", "{}", "{}", deliverOn, nil, dispatchNow.Add(-time.Hour))
}

func TestCycle_OpenAlertQueuesJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("status = 'OPEN' AND created_at").
		WithArgs(dispatchNow.Add(-30*time.Minute), 500).
		WillReturnRows(addAlert(alertRows(), "alert-1", 4, nil))
	mock.ExpectQuery("FROM integration_routes").
		WithArgs("tenant-1", 200).
		WillReturnRows(addRoute(routeRows(), "route-1", "{OPEN}"))
	mock.ExpectExec("INSERT INTO delivery_jobs").
		WithArgs(sqlmock.AnyArg(), "tenant-1", "alert-1", "int-1", "route-1", "OPEN",
			sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("escalation_level > 0").
		WithArgs(dispatchNow.Add(-5 * time.Minute)).
		WillReturnRows(alertRows())
	mock.ExpectQuery("status = 'CLOSED'").
		WithArgs(dispatchNow.Add(-30*time.Minute), 500).
		WillReturnRows(alertRows())
	mock.ExpectQuery("FROM alert_digest_settings").
		WithArgs(dispatchNow).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	mock.ExpectExec("SELECT pg_notify").
		WithArgs(store.ChannelNewDeliveryJob, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := newDispatchService(t, db)
	require.NoError(t, s.Cycle(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCycle_QuietPassesStayQuiet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("status = 'OPEN' AND created_at").WillReturnRows(alertRows())
	mock.ExpectQuery("escalation_level > 0").WillReturnRows(alertRows())
	mock.ExpectQuery("status = 'CLOSED'").WillReturnRows(alertRows())
	mock.ExpectQuery("FROM alert_digest_settings").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	s := newDispatchService(t, db)
	require.NoError(t, s.Cycle(context.Background()), "no inserts means no notify")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCycle_DeduplicatedJobDoesNotNotify(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("status = 'OPEN' AND created_at").
		WillReturnRows(addAlert(alertRows(), "alert-1", 4, nil))
	mock.ExpectQuery("FROM integration_routes").
		WillReturnRows(addRoute(routeRows(), "route-1", "{OPEN}"))
	mock.ExpectExec("INSERT INTO delivery_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery("escalation_level > 0").WillReturnRows(alertRows())
	mock.ExpectQuery("status = 'CLOSED'").WillReturnRows(alertRows())
	mock.ExpectQuery("FROM alert_digest_settings").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	s := newDispatchService(t, db)
	require.NoError(t, s.Cycle(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscalationPass(t *testing.T) {
	escalatedAt := dispatchNow.Add(-2 * time.Minute)

	t.Run("escalation re-queues undelivered routes", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
		}
		defer func() { _ = db.Close() }()

		mock.ExpectQuery("escalation_level > 0").
			WithArgs(dispatchNow.Add(-5 * time.Minute)).
			WillReturnRows(addAlert(alertRows(), "alert-1", 3, &escalatedAt))
		mock.ExpectQuery("FROM integration_routes").
			WithArgs("tenant-1", 200).
			WillReturnRows(addRoute(routeRows(), "route-1", "{OPEN}"))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("tenant-1", "alert-1", "route-1", escalatedAt).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO delivery_jobs").
			WithArgs(sqlmock.AnyArg(), "tenant-1", "alert-1", "int-1", "route-1", "ESCALATED",
				sqlmock.AnyArg(), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		s := newDispatchService(t, db)
		inserted, err := s.escalationPass(context.Background(), dispatchNow, map[string][]store.Route{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed delivery after escalation suppresses re-queue", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
		}
		defer func() { _ = db.Close() }()

		mock.ExpectQuery("escalation_level > 0").
			WillReturnRows(addAlert(alertRows(), "alert-1", 3, &escalatedAt))
		mock.ExpectQuery("FROM integration_routes").
			WillReturnRows(addRoute(routeRows(), "route-1", "{OPEN}"))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("tenant-1", "alert-1", "route-1", escalatedAt).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		s := newDispatchService(t, db)
		inserted, err := s.escalationPass(context.Background(), dispatchNow, map[string][]store.Route{})
		require.NoError(t, err)
		assert.Zero(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClosedPass_RequiresSubscription(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	// Route subscribed to OPEN only: the closed alert matches nothing.
	mock.ExpectQuery("status = 'CLOSED'").
		WillReturnRows(addAlert(alertRows(), "alert-1", 4, nil))
	mock.ExpectQuery("FROM integration_routes").
		WillReturnRows(addRoute(routeRows(), "route-1", "{OPEN}"))

	s := newDispatchService(t, db)
	inserted, err := s.closedPass(context.Background(), dispatchNow, map[string][]store.Route{})
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDigestPass(t *testing.T) {
	lastSent := dispatchNow.Add(-2 * time.Hour)

	digestRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"tenant_id", "enabled", "integration_id", "interval_minutes", "min_severity", "last_sent_at",
		})
	}

	t.Run("due schedule packs the period into one job", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
		}
		defer func() { _ = db.Close() }()

		mock.ExpectQuery("FROM alert_digest_settings").
			WithArgs(dispatchNow).
			WillReturnRows(digestRows().AddRow("tenant-1", true, "int-1", 60, nil, lastSent))
		mock.ExpectQuery("FROM fleet_alert").
			WithArgs("tenant-1", lastSent, dispatchNow).
			WillReturnRows(addAlert(addAlert(alertRows(), "alert-1", 4, nil), "alert-2", 2, nil))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO delivery_jobs").
			WithArgs(sqlmock.AnyArg(), "tenant-1", "int-1", sqlmock.AnyArg(), dispatchNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE alert_digest_settings").
			WithArgs("tenant-1", dispatchNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		s := newDispatchService(t, db)
		inserted, err := s.digestPass(context.Background(), dispatchNow, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty period advances the stamp without a job", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
		}
		defer func() { _ = db.Close() }()

		mock.ExpectQuery("FROM alert_digest_settings").
			WithArgs(dispatchNow).
			WillReturnRows(digestRows().AddRow("tenant-1", true, "int-1", 60, nil, lastSent))
		mock.ExpectQuery("FROM fleet_alert").
			WithArgs("tenant-1", lastSent, dispatchNow).
			WillReturnRows(alertRows())
		mock.ExpectExec("UPDATE alert_digest_settings").
			WithArgs("tenant-1", dispatchNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		s := newDispatchService(t, db)
		inserted, err := s.digestPass(context.Background(), dispatchNow, nil)
		require.NoError(t, err)
		assert.Zero(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("min severity narrows the digest query", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
		}
		defer func() { _ = db.Close() }()

		mock.ExpectQuery("FROM alert_digest_settings").
			WithArgs(dispatchNow).
			WillReturnRows(digestRows().AddRow("tenant-1", true, "int-1", 60, 2, lastSent))
		mock.ExpectQuery("severity <=").
			WithArgs("tenant-1", lastSent, dispatchNow, 2).
			WillReturnRows(alertRows())
		mock.ExpectExec("UPDATE alert_digest_settings").
			WithArgs("tenant-1", dispatchNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		s := newDispatchService(t, db)
		inserted, err := s.digestPass(context.Background(), dispatchNow, nil)
		require.NoError(t, err)
		assert.Zero(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRouteMatches(t *testing.T) {
	alert := &store.FleetAlert{
		ID:          "alert-1",
		TenantID:    "tenant-1",
		SiteID:      "site-1",
		DeviceID:    "warehouse-east-sensor-01",
		AlertType:   store.AlertNoHeartbeat,
		Fingerprint: "NO_HEARTBEAT:warehouse-east-sensor-01",
		Severity:    4,
		Summary:     "no heartbeat from warehouse-east-sensor-01",
	}

	base := func(mod func(*store.Route)) *store.Route {
		r := &store.Route{
			ID: "route-1", TenantID: "tenant-1", IntegrationID: "int-1",
			Enabled: true, Priority: 100, DeliverOn: []string{"OPEN"},
		}
		if mod != nil {
			mod(r)
		}
		return r
	}
	intp := func(v int) *int { return &v }
	strp := func(v string) *string { return &v }

	tests := []struct {
		name  string
		route *store.Route
		event string
		want  bool
	}{
		{"bare route matches open", base(nil), "OPEN", true},
		{"unsubscribed event skipped", base(nil), "CLOSED", false},
		{"severity at min matches", base(func(r *store.Route) { r.MinSeverity = intp(4) }), "OPEN", true},
		{"severity below min skipped", base(func(r *store.Route) { r.MinSeverity = intp(5) }), "OPEN", false},
		{"alert type hit", base(func(r *store.Route) { r.AlertTypes = []string{"NO_HEARTBEAT"} }), "OPEN", true},
		{"alert type miss", base(func(r *store.Route) { r.AlertTypes = []string{"THRESHOLD_BREACH"} }), "OPEN", false},
		{"site hit", base(func(r *store.Route) { r.SiteIDs = []string{"site-1", "site-2"} }), "OPEN", true},
		{"site miss", base(func(r *store.Route) { r.SiteIDs = []string{"site-9"} }), "OPEN", false},
		{"device prefix hit", base(func(r *store.Route) { r.DevicePrefixes = []string{"warehouse-east-"} }), "OPEN", true},
		{"device prefix miss", base(func(r *store.Route) { r.DevicePrefixes = []string{"warehouse-west-"} }), "OPEN", false},
		{"cel filter passes", base(func(r *store.Route) { r.FilterCEL = strp(`severity >= 4`) }), "OPEN", true},
		{"cel filter rejects", base(func(r *store.Route) { r.FilterCEL = strp(`severity > 4`) }), "OPEN", false},
		{"empty cel ignored", base(func(r *store.Route) { r.FilterCEL = strp("") }), "OPEN", true},
	}

	s := &Service{filter: testFilterEngine(t)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.routeMatches(tt.route, alert, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("broken cel filter is an error", func(t *testing.T) {
		r := base(func(r *store.Route) { r.FilterCEL = strp(`severity >`) })
		_, err := s.routeMatches(r, alert, "OPEN")
		assert.Error(t, err)
	})
}
