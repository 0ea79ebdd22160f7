package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/pulseiot/pulse/pkg/store"
)

// defaultOIDPrefix is the private-enterprise arc the trap varbinds
// live under when the integration does not set its own.
const defaultOIDPrefix = "1.3.6.1.4.1.55999.1"

// snmpTrapOID is snmpTrapOID.0, the second mandatory varbind of a
// v2c/v3 notification.
const snmpTrapOID = ".1.3.6.1.6.3.1.1.4.1.0"

// snmpChannel fires v2c or v3 USM TRAPs carrying the alert fields as
// varbinds under the configured OID prefix.
type snmpChannel struct {
	guard   *EgressGuard
	timeout time.Duration
}

func (c *snmpChannel) send(ctx context.Context, job *store.DeliveryJob, in *store.Integration) (*int, error) {
	cfg := snmpConfig{Port: 162, Version: "2c"}
	if err := decodeConfig("snmp", in.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		return nil, errors.New("missing_snmp_host")
	}
	if err := c.guard.CheckHost(ctx, cfg.Host); err != nil {
		return nil, errors.New("url_blocked:" + err.Error())
	}
	view, digest, err := decodePayload(job)
	if err != nil {
		return nil, err
	}

	g := &gosnmp.GoSNMP{
		Target:  cfg.Host,
		Port:    uint16(cfg.Port),
		Version: gosnmp.Version2c,
		Timeout: c.timeout,
		Retries: 0,
	}
	switch cfg.Version {
	case "3":
		if cfg.User == "" {
			return nil, errors.New("missing_snmp_config")
		}
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = usmFlags(cfg)
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cfg.User,
			AuthenticationProtocol:   usmAuthProtocol(cfg.AuthProto),
			AuthenticationPassphrase: cfg.AuthPass,
			PrivacyProtocol:          usmPrivProtocol(cfg.PrivProto),
			PrivacyPassphrase:        cfg.PrivPass,
		}
	default:
		if cfg.Community == "" {
			return nil, errors.New("missing_snmp_config")
		}
		g.Community = cfg.Community
	}

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp_connect: %w", err)
	}
	defer g.Conn.Close()

	trap := gosnmp.SnmpTrap{Variables: trapVarbinds(cfg.OIDPrefix, view, digest)}
	if _, err := g.SendTrap(trap); err != nil {
		return nil, fmt.Errorf("snmp_trap: %w", err)
	}
	return nil, nil
}

// trapVarbinds lays the payload out under the prefix. Alert traps use
// prefix.0.1 as the trap OID, digest traps prefix.0.2.
func trapVarbinds(prefix string, view *store.AlertView, digest *store.DigestView) []gosnmp.SnmpPDU {
	base := strings.Trim(prefix, ".")
	if base == "" {
		base = defaultOIDPrefix
	}
	oid := func(n int) string { return fmt.Sprintf(".%s.%d", base, n) }

	if digest != nil {
		return []gosnmp.SnmpPDU{
			{Name: snmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: "." + base + ".0.2"},
			{Name: oid(1), Type: gosnmp.OctetString, Value: digest.Event},
			{Name: oid(2), Type: gosnmp.OctetString, Value: digest.TenantID},
			{Name: oid(3), Type: gosnmp.Integer, Value: digest.AlertCount},
			{Name: oid(4), Type: gosnmp.OctetString, Value: digest.PeriodStart.Format(time.RFC3339)},
			{Name: oid(5), Type: gosnmp.OctetString, Value: digest.PeriodEnd.Format(time.RFC3339)},
		}
	}
	return []gosnmp.SnmpPDU{
		{Name: snmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: "." + base + ".0.1"},
		{Name: oid(1), Type: gosnmp.OctetString, Value: view.Event},
		{Name: oid(2), Type: gosnmp.OctetString, Value: view.AlertID},
		{Name: oid(3), Type: gosnmp.OctetString, Value: view.SiteID},
		{Name: oid(4), Type: gosnmp.OctetString, Value: view.DeviceID},
		{Name: oid(5), Type: gosnmp.OctetString, Value: view.AlertType},
		{Name: oid(6), Type: gosnmp.Integer, Value: view.Severity},
		{Name: oid(7), Type: gosnmp.OctetString, Value: view.Summary},
	}
}

func usmFlags(cfg snmpConfig) gosnmp.SnmpV3MsgFlags {
	switch {
	case cfg.AuthPass != "" && cfg.PrivPass != "":
		return gosnmp.AuthPriv
	case cfg.AuthPass != "":
		return gosnmp.AuthNoPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func usmAuthProtocol(name string) gosnmp.SnmpV3AuthProtocol {
	if name == "MD5" {
		return gosnmp.MD5
	}
	return gosnmp.SHA
}

func usmPrivProtocol(name string) gosnmp.SnmpV3PrivProtocol {
	if name == "DES" {
		return gosnmp.DES
	}
	return gosnmp.AES
}
