package evaluator

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseiot/pulse/pkg/observability"
	"github.com/pulseiot/pulse/pkg/store"
)

func testObs(t *testing.T) *observability.Provider {
	t.Helper()
	obs, err := observability.New(context.Background(), nil)
	if err != nil {
		t.Fatalf("observability.New: %v", err)
	}
	return obs
}

func newRuleService(t *testing.T, db *sql.DB) *Service {
	t.Helper()
	s := &Service{
		windows:        newWindowSet(),
		heartbeatStale: 2 * time.Minute,
		obs:            testObs(t),
		log:            slog.Default(),
		clock:          time.Now,
	}
	if db != nil {
		s.telemetry = store.NewTelemetryStore(db)
		s.states = store.NewDeviceStateStore(db)
		s.alerts = store.NewAlertStore(db)
		s.registry = store.NewRegistryStore(db)
		s.notifier = store.NewNotifier(db)
	}
	return s
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		op        string
		value     float64
		threshold float64
		want      bool
	}{
		{"GT", 2, 1, true},
		{"GT", 1, 1, false},
		{"GTE", 1, 1, true},
		{"LT", 0, 1, true},
		{"LT", 1, 1, false},
		{"LTE", 1, 1, true},
		{"EQ", 1, 1, true},
		{"EQ", 2, 1, false},
		{"NE", 2, 1, true},
	}
	for _, tt := range tests {
		got, err := compareValues(tt.op, tt.value, tt.threshold)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s(%v, %v)", tt.op, tt.value, tt.threshold)
	}

	_, err := compareValues("LIKE", 1, 1)
	assert.Error(t, err)
}

func TestNormalizeSnapshot(t *testing.T) {
	raw := map[string]float64{"tmp": 21.5, "temperature_c": 99}

	mappings := []store.MetricMapping{
		{NormalizedName: "temperature_c", RawName: "tmp", Multiplier: 1, AddOffset: 0, Priority: 1},
		{NormalizedName: "temperature_c", RawName: "temp_raw", Multiplier: 2, AddOffset: 0, Priority: 2},
		{NormalizedName: "temperature_f", RawName: "tmp", Multiplier: 1.8, AddOffset: 32, Priority: 3},
		{NormalizedName: "humidity", RawName: "absent", Multiplier: 1, AddOffset: 0, Priority: 4},
	}

	snapshot := normalizeSnapshot(raw, mappings)

	// First mapping wins and shadows the raw metric of the same name.
	assert.Equal(t, 21.5, snapshot["temperature_c"])
	assert.InDelta(t, 70.7, snapshot["temperature_f"], 0.001)
	// Raw names stay visible.
	assert.Equal(t, 21.5, snapshot["tmp"])
	// Mappings whose raw metric is absent contribute nothing.
	_, ok := snapshot["humidity"]
	assert.False(t, ok)
	// The input map is untouched.
	assert.Equal(t, 99.0, raw["temperature_c"])
}

func TestConditionsOf(t *testing.T) {
	t.Run("synthesized from rule fields", func(t *testing.T) {
		rule := &store.AlertRule{ID: "r1", MetricName: "temp_c", Operator: "GT", Threshold: 30}
		conds, err := conditionsOf(rule)
		require.NoError(t, err)
		require.Len(t, conds, 1)
		assert.Equal(t, ruleCondition{Metric: "temp_c", Operator: "GT", Threshold: 30}, conds[0])
	})

	t.Run("conditions array wins", func(t *testing.T) {
		rule := &store.AlertRule{
			ID:         "r1",
			MetricName: "ignored",
			Conditions: json.RawMessage(`[{"metric":"a","operator":"LT","threshold":5,"duration_minutes":3}]`),
		}
		conds, err := conditionsOf(rule)
		require.NoError(t, err)
		require.Len(t, conds, 1)
		assert.Equal(t, 3, conds[0].DurationMinutes)
	})

	t.Run("bad json", func(t *testing.T) {
		rule := &store.AlertRule{ID: "r1", Conditions: json.RawMessage(`{"not":"an array"}`)}
		_, err := conditionsOf(rule)
		assert.Error(t, err)
	})
}

func TestAnomalyAndGapParams(t *testing.T) {
	anomaly, err := anomalyParamsOf(&store.AlertRule{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, defaultAnomalyWindowMinutes, anomaly.WindowMinutes)
	assert.Equal(t, int64(defaultAnomalyMinSamples), anomaly.MinSamples)
	assert.Equal(t, float64(defaultAnomalyZThreshold), anomaly.ZThreshold)

	anomaly, err = anomalyParamsOf(&store.AlertRule{
		ID:         "r1",
		Conditions: json.RawMessage(`{"window_minutes":30,"min_samples":5,"z_threshold":2.5}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 30, anomaly.WindowMinutes)
	assert.Equal(t, int64(5), anomaly.MinSamples)
	assert.Equal(t, 2.5, anomaly.ZThreshold)

	gap, err := gapParamsOf(&store.AlertRule{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, defaultGapMinutes, gap.GapMinutes)

	gap, err = gapParamsOf(&store.AlertRule{ID: "r1", Conditions: json.RawMessage(`{"gap_minutes":45}`)})
	require.NoError(t, err)
	assert.Equal(t, 45, gap.GapMinutes)
}

func TestEvalThreshold_Immediate(t *testing.T) {
	s := newRuleService(t, nil)
	now := time.Now().UTC()
	dev := &store.DeviceRollup{TenantID: "tenant-1", DeviceID: "dev-1"}
	rule := &store.AlertRule{ID: "r1", Name: "hot", RuleType: store.RuleThreshold,
		MetricName: "temp_c", Operator: "GT", Threshold: 30, MatchMode: "all"}

	out, err := s.evalThreshold(context.Background(), rule, dev, map[string]float64{"temp_c": 35}, now)
	require.NoError(t, err)
	assert.True(t, out.fired)
	assert.Equal(t, store.AlertThreshold, out.alertType)

	out, err = s.evalThreshold(context.Background(), rule, dev, map[string]float64{"temp_c": 25}, now)
	require.NoError(t, err)
	assert.False(t, out.fired)

	// Absent metric means the condition is not met.
	out, err = s.evalThreshold(context.Background(), rule, dev, map[string]float64{}, now)
	require.NoError(t, err)
	assert.False(t, out.fired)
}

func TestEvalThreshold_MatchModes(t *testing.T) {
	s := newRuleService(t, nil)
	now := time.Now().UTC()
	dev := &store.DeviceRollup{TenantID: "tenant-1", DeviceID: "dev-1"}
	conditions := json.RawMessage(`[
		{"metric":"a","operator":"GT","threshold":1},
		{"metric":"b","operator":"LT","threshold":5}
	]`)
	snapshot := map[string]float64{"a": 2, "b": 10}

	matchAll := &store.AlertRule{ID: "r1", Name: "both", RuleType: store.RuleThreshold,
		Conditions: conditions, MatchMode: "all"}
	out, err := s.evalThreshold(context.Background(), matchAll, dev, snapshot, now)
	require.NoError(t, err)
	assert.False(t, out.fired, "b fails, all mode must not fire")

	matchAny := &store.AlertRule{ID: "r2", Name: "either", RuleType: store.RuleThreshold,
		Conditions: conditions, MatchMode: "any"}
	out, err = s.evalThreshold(context.Background(), matchAny, dev, snapshot, now)
	require.NoError(t, err)
	assert.True(t, out.fired, "a passes, any mode must fire")
}

func TestEvalThreshold_DurationWindow(t *testing.T) {
	tests := []struct {
		name         string
		nonBreaching int64
		total        int64
		wantFired    bool
	}{
		{"continuously breached", 0, 10, true},
		{"one recovery breaks the window", 2, 10, false},
		{"empty window never fires", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()

			mock.ExpectQuery("SELECT COUNT").
				WithArgs("tenant-1", "dev-1", "temp_c", sqlmock.AnyArg(), 30.0).
				WillReturnRows(sqlmock.NewRows([]string{"non_breaching", "total"}).
					AddRow(tt.nonBreaching, tt.total))

			s := newRuleService(t, db)
			rule := &store.AlertRule{ID: "r1", Name: "hot for 5m", RuleType: store.RuleThreshold,
				Conditions: json.RawMessage(`[{"metric":"temp_c","operator":"GT","threshold":30,"duration_minutes":5}]`)}
			dev := &store.DeviceRollup{TenantID: "tenant-1", DeviceID: "dev-1"}

			out, err := s.evalThreshold(context.Background(), rule, dev, nil, time.Now().UTC())
			require.NoError(t, err)
			assert.Equal(t, tt.wantFired, out.fired)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEvalAnomaly(t *testing.T) {
	tests := []struct {
		name      string
		mean      float64
		stddev    float64
		count     int64
		latest    float64
		wantFired bool
	}{
		{"fires past z threshold", 10, 1, 20, 15, true},
		{"within tolerance", 10, 1, 20, 11, false},
		{"zero stddev skips", 10, 0, 20, 10, false},
		{"thin data skips", 10, 1, 3, 99, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()

			mock.ExpectQuery("WITH samples").
				WithArgs("tenant-1", "dev-1", "temp_c", sqlmock.AnyArg()).
				WillReturnRows(sqlmock.NewRows([]string{"mean", "stddev", "count", "latest"}).
					AddRow(tt.mean, tt.stddev, tt.count, tt.latest))

			s := newRuleService(t, db)
			rule := &store.AlertRule{ID: "r1", Name: "weird temp", RuleType: store.RuleAnomaly, MetricName: "temp_c"}
			dev := &store.DeviceRollup{TenantID: "tenant-1", DeviceID: "dev-1"}

			out, err := s.evalAnomaly(context.Background(), rule, dev, time.Now().UTC())
			require.NoError(t, err)
			assert.Equal(t, tt.wantFired, out.fired)
			assert.Equal(t, store.AlertAnomaly, out.alertType)
		})
	}
}

func TestEvalGap(t *testing.T) {
	for _, tt := range []struct {
		name      string
		hasMetric bool
		wantFired bool
	}{
		{"recent telemetry", true, false},
		{"gap fires", false, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()

			mock.ExpectQuery("SELECT EXISTS").
				WithArgs("tenant-1", "dev-1", sqlmock.AnyArg(), "flow_rate").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.hasMetric))

			s := newRuleService(t, db)
			rule := &store.AlertRule{ID: "r1", Name: "flow silent", RuleType: store.RuleTelemetryGap, MetricName: "flow_rate"}
			dev := &store.DeviceRollup{TenantID: "tenant-1", DeviceID: "dev-1"}

			out, err := s.evalGap(context.Background(), rule, dev, time.Now().UTC())
			require.NoError(t, err)
			assert.Equal(t, tt.wantFired, out.fired)
			assert.Equal(t, store.AlertNoTelemetry, out.alertType)
		})
	}
}

func TestEvalWindow(t *testing.T) {
	s := newRuleService(t, nil)
	base := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)
	rule := &store.AlertRule{ID: "r1", Name: "avg temp", RuleType: store.RuleWindow,
		MetricName: "temp_c", Operator: "GT", Threshold: 25,
		Aggregation: "avg", WindowSeconds: 60}

	dev := &store.DeviceRollup{TenantID: "tenant-1", DeviceID: "dev-1"}

	// One sample is not enough for a verdict.
	at1 := base
	dev.LastTelemetryAt = &at1
	out, err := s.evalWindow(rule, dev, map[string]float64{"temp_c": 30}, base)
	require.NoError(t, err)
	assert.False(t, out.fired)

	// Second sample arrives; avg 35 > 25.
	at2 := base.Add(10 * time.Second)
	dev.LastTelemetryAt = &at2
	out, err = s.evalWindow(rule, dev, map[string]float64{"temp_c": 40}, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, out.fired)
	assert.Equal(t, store.AlertWindow, out.alertType)

	// A cycle with no fresh telemetry re-evaluates the same ring.
	out, err = s.evalWindow(rule, dev, map[string]float64{"temp_c": 40}, base.Add(12*time.Second))
	require.NoError(t, err)
	assert.True(t, out.fired)

	// After the span passes, old samples evict and the verdict resets.
	at3 := base.Add(2 * time.Minute)
	dev.LastTelemetryAt = &at3
	out, err = s.evalWindow(rule, dev, map[string]float64{"temp_c": 10}, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, out.fired, "single surviving sample cannot fire")
}

func TestEvalWindow_ConfigErrors(t *testing.T) {
	s := newRuleService(t, nil)
	now := time.Now().UTC()
	dev := &store.DeviceRollup{TenantID: "tenant-1", DeviceID: "dev-1"}

	_, err := s.evalWindow(&store.AlertRule{ID: "r1", RuleType: store.RuleWindow}, dev, nil, now)
	assert.Error(t, err, "window_seconds required")

	rule := &store.AlertRule{ID: "r2", RuleType: store.RuleWindow, MetricName: "temp_c",
		Operator: "GT", Threshold: 1, Aggregation: "median", WindowSeconds: 60}
	at := now.Add(-time.Second)
	dev.LastTelemetryAt = &at
	_, err = s.evalWindow(rule, dev, map[string]float64{"temp_c": 5}, now)
	require.NoError(t, err, "one sample short-circuits before the aggregation check")

	at2 := now
	dev.LastTelemetryAt = &at2
	_, err = s.evalWindow(rule, dev, map[string]float64{"temp_c": 6}, now)
	assert.Error(t, err, "unknown aggregation")
}

func TestDispatchRule_UnknownType(t *testing.T) {
	s := newRuleService(t, nil)
	dev := &store.DeviceRollup{TenantID: "tenant-1", DeviceID: "dev-1"}
	_, err := s.dispatchRule(context.Background(), &store.AlertRule{ID: "r1", RuleType: "exotic"}, dev, nil, time.Now())
	assert.Error(t, err)
}
