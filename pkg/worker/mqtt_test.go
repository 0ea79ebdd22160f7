package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseiot/pulse/pkg/store"
)

func mqttIntegration(cfgJSON string) *store.Integration {
	return &store.Integration{
		ID:       "int-1",
		TenantID: "tenant-1",
		Kind:     "mqtt",
		Enabled:  true,
		Config:   json.RawMessage(cfgJSON),
	}
}

func TestMQTTSend_ConfigErrors(t *testing.T) {
	ch := &mqttChannel{brokerURL: "mqtt://localhost:1883", log: slog.Default()}
	job := testAlertJob(t, store.EventOpen)

	status, err := ch.send(context.Background(), job, mqttIntegration(`{}`))
	assert.Nil(t, status)
	require.Error(t, err)
	assert.Equal(t, "missing_topic_template", err.Error())

	_, err = ch.send(context.Background(), job, mqttIntegration(`{"topic_template":"t","qos":3}`))
	require.Error(t, err)
	assert.Equal(t, "bad_config:mqtt", err.Error())
}

func TestMQTTSend_BadBrokerURL(t *testing.T) {
	ch := &mqttChannel{brokerURL: "://nope", log: slog.Default()}
	job := testAlertJob(t, store.EventOpen)

	status, err := ch.send(context.Background(), job,
		mqttIntegration(`{"topic_template":"{tenant_id}/{device_id}/{alert_type}"}`))
	assert.Nil(t, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad_broker_url")
}
