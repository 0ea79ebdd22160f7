package worker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseiot/pulse/pkg/store"
)

func testAlertJob(t *testing.T, event string) *store.DeliveryJob {
	t.Helper()
	payload, err := json.Marshal(store.AlertView{
		AlertID:    "alert-1",
		Event:      event,
		SiteID:     "site-1",
		DeviceID:   "dev-1",
		AlertType:  "NO_HEARTBEAT",
		Severity:   4,
		Confidence: 0.9,
		Summary:    "no heartbeat from dev-1",
		Status:     "OPEN",
		CreatedAt:  time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	alertID := "alert-1"
	routeID := "route-1"
	return &store.DeliveryJob{
		ID:             "job-1",
		TenantID:       "tenant-1",
		AlertID:        &alertID,
		IntegrationID:  "int-1",
		RouteID:        &routeID,
		DeliverOnEvent: event,
		Status:         store.JobProcessing,
		Payload:        payload,
	}
}

func testDigestJob(t *testing.T) *store.DeliveryJob {
	t.Helper()
	periodEnd := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(store.DigestView{
		TenantID:    "tenant-1",
		Event:       store.EventDigest,
		PeriodStart: periodEnd.Add(-time.Hour),
		PeriodEnd:   periodEnd,
		AlertCount:  2,
		Alerts: []store.AlertView{
			{AlertID: "alert-1", Event: store.EventDigest, DeviceID: "dev-1", AlertType: "NO_HEARTBEAT", Severity: 4, Summary: "no heartbeat from dev-1", Status: "OPEN"},
			{AlertID: "alert-2", Event: store.EventDigest, DeviceID: "dev-2", AlertType: "THRESHOLD", Severity: 3, Summary: "temp_c above 40", Status: "CLOSED"},
		},
	})
	require.NoError(t, err)
	return &store.DeliveryJob{
		ID:              "job-9",
		TenantID:        "tenant-1",
		IntegrationID:   "int-2",
		DeliverOnEvent:  store.EventDigest,
		Status:          store.JobProcessing,
		Payload:         payload,
		DigestPeriodEnd: &periodEnd,
	}
}

func TestDecodePayload(t *testing.T) {
	view, digest, err := decodePayload(testAlertJob(t, store.EventOpen))
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Nil(t, digest)
	assert.Equal(t, "alert-1", view.AlertID)
	assert.Equal(t, "dev-1", view.DeviceID)

	view, digest, err = decodePayload(testDigestJob(t))
	require.NoError(t, err)
	assert.Nil(t, view)
	require.NotNil(t, digest)
	assert.Equal(t, 2, digest.AlertCount)

	bad := &store.DeliveryJob{DeliverOnEvent: store.EventOpen, Payload: json.RawMessage(`{`)}
	_, _, err = decodePayload(bad)
	require.Error(t, err)
	assert.Equal(t, "bad_payload", err.Error())
}

func TestRenderTemplate(t *testing.T) {
	job := testAlertJob(t, store.EventOpen)
	view, _, err := decodePayload(job)
	require.NoError(t, err)

	got := renderTemplate("{tenant_id}/{device_id}/{alert_type}", templateVars(job, view, nil))
	assert.Equal(t, "tenant-1/dev-1/NO_HEARTBEAT", got)

	got = renderTemplate(defaultSubjectTemplate, templateVars(job, view, nil))
	assert.Equal(t, "[Pulse sev 4] NO_HEARTBEAT on dev-1", got)

	djob := testDigestJob(t)
	_, digest, err := decodePayload(djob)
	require.NoError(t, err)
	got = renderTemplate("{tenant_id}/{device_id}/{alert_type}", templateVars(djob, nil, digest))
	assert.Equal(t, "tenant-1//DIGEST", got)
}
