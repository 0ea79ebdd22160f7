package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseiot/pulse/pkg/config"
	"github.com/pulseiot/pulse/pkg/store"
)

func snmpIntegration(cfgJSON string) *store.Integration {
	return &store.Integration{
		ID:       "int-1",
		TenantID: "tenant-1",
		Kind:     "snmp",
		Enabled:  true,
		Config:   json.RawMessage(cfgJSON),
	}
}

func TestSNMPSend_ConfigErrors(t *testing.T) {
	ch := &snmpChannel{guard: NewEgressGuard(config.ModeDev), timeout: time.Second}
	job := testAlertJob(t, store.EventOpen)

	cases := []struct {
		name string
		cfg  string
		want string
	}{
		{"missing host", `{}`, "missing_snmp_host"},
		{"v2c without community", `{"host":"traps.example.com"}`, "missing_snmp_config"},
		{"v3 without user", `{"host":"traps.example.com","version":"3"}`, "missing_snmp_config"},
		{"bad version", `{"host":"traps.example.com","version":"1"}`, "bad_config:snmp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, err := ch.send(context.Background(), job, snmpIntegration(tc.cfg))
			assert.Nil(t, status)
			require.Error(t, err)
			assert.Equal(t, tc.want, err.Error())
		})
	}
}

func TestSNMPSend_BlockedHost(t *testing.T) {
	ch := &snmpChannel{guard: NewEgressGuard(config.ModeProd), timeout: time.Second}
	job := testAlertJob(t, store.EventOpen)

	status, err := ch.send(context.Background(), job, snmpIntegration(`{"host":"10.0.0.9","community":"public"}`))
	assert.Nil(t, status)
	require.Error(t, err)
	assert.Equal(t, "url_blocked:blocked_ip:10.0.0.9", err.Error())
}

func TestTrapVarbinds_Alert(t *testing.T) {
	view := &store.AlertView{
		AlertID:   "alert-1",
		Event:     store.EventOpen,
		SiteID:    "site-1",
		DeviceID:  "dev-1",
		AlertType: "NO_HEARTBEAT",
		Severity:  4,
		Summary:   "no heartbeat from dev-1",
	}

	pdus := trapVarbinds("", view, nil)
	require.Len(t, pdus, 8)
	assert.Equal(t, snmpTrapOID, pdus[0].Name)
	assert.Equal(t, gosnmp.ObjectIdentifier, pdus[0].Type)
	assert.Equal(t, "."+defaultOIDPrefix+".0.1", pdus[0].Value)
	assert.Equal(t, "."+defaultOIDPrefix+".1", pdus[1].Name)
	assert.Equal(t, store.EventOpen, pdus[1].Value)
	assert.Equal(t, "alert-1", pdus[2].Value)
	assert.Equal(t, "dev-1", pdus[4].Value)
	assert.Equal(t, gosnmp.Integer, pdus[6].Type)
	assert.Equal(t, 4, pdus[6].Value)

	custom := trapVarbinds(".1.3.6.1.4.1.4976.1.", view, nil)
	assert.Equal(t, ".1.3.6.1.4.1.4976.1.1", custom[1].Name)
}

func TestTrapVarbinds_Digest(t *testing.T) {
	digest := &store.DigestView{
		TenantID:    "tenant-1",
		Event:       store.EventDigest,
		PeriodStart: time.Date(2025, 7, 14, 9, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC),
		AlertCount:  3,
	}

	pdus := trapVarbinds("", nil, digest)
	require.Len(t, pdus, 6)
	assert.Equal(t, "."+defaultOIDPrefix+".0.2", pdus[0].Value)
	assert.Equal(t, store.EventDigest, pdus[1].Value)
	assert.Equal(t, "tenant-1", pdus[2].Value)
	assert.Equal(t, 3, pdus[3].Value)
	assert.Equal(t, "2025-07-14T09:00:00Z", pdus[4].Value)
}

func TestUSMHelpers(t *testing.T) {
	assert.Equal(t, gosnmp.AuthPriv, usmFlags(snmpConfig{AuthPass: "a", PrivPass: "p"}))
	assert.Equal(t, gosnmp.AuthNoPriv, usmFlags(snmpConfig{AuthPass: "a"}))
	assert.Equal(t, gosnmp.NoAuthNoPriv, usmFlags(snmpConfig{}))

	assert.Equal(t, gosnmp.MD5, usmAuthProtocol("MD5"))
	assert.Equal(t, gosnmp.SHA, usmAuthProtocol(""))
	assert.Equal(t, gosnmp.DES, usmPrivProtocol("DES"))
	assert.Equal(t, gosnmp.AES, usmPrivProtocol(""))
}
