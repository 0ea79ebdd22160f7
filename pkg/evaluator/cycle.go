package evaluator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pulseiot/pulse/pkg/store"
)

// Cycle runs one full evaluation over the hinted tenants, or over every
// registered tenant when the hint is empty or malformed. Per-tenant and
// per-device failures are logged and skipped; only a failure to load
// the rollups aborts the cycle.
func (s *Service) Cycle(ctx context.Context, hint string) error {
	now := s.clock().UTC()

	tenants, err := s.resolveTenants(ctx, hint)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		return nil
	}

	rollups, err := s.telemetry.DeviceRollups(ctx, tenants)
	if err != nil {
		return err
	}

	byTenant := make(map[string][]store.DeviceRollup)
	for _, r := range rollups {
		byTenant[r.TenantID] = append(byTenant[r.TenantID], r)
	}

	var opened int64
	for _, tenant := range tenants {
		devices := byTenant[tenant]
		if len(devices) == 0 {
			continue
		}
		n, err := s.evaluateTenant(ctx, tenant, devices, now)
		if err != nil {
			s.log.Error("tenant evaluation failed", "tenant_id", tenant, "error", err)
			continue
		}
		opened += n
	}

	s.windows.sweep(now)

	if opened > 0 {
		if err := s.notifier.Notify(ctx, store.ChannelNewFleetAlert, ""); err != nil {
			s.log.Warn("alert notify failed", "error", err)
		}
	}
	return nil
}

// resolveTenants decodes the telemetry hint; anything unusable widens
// the cycle to every registered tenant.
func (s *Service) resolveTenants(ctx context.Context, hint string) ([]string, error) {
	if hint != "" {
		var h store.TelemetryHint
		if err := json.Unmarshal([]byte(hint), &h); err == nil && len(h.TenantIDs) > 0 {
			return h.TenantIDs, nil
		}
	}
	return s.registry.Tenants(ctx)
}

func (s *Service) evaluateTenant(ctx context.Context, tenant string, devices []store.DeviceRollup, now time.Time) (int64, error) {
	rules, err := s.rules.ListEnabled(ctx, tenant)
	if err != nil {
		return 0, err
	}
	mappings, err := s.mappings.ListEnabled(ctx, tenant)
	if err != nil {
		return 0, err
	}
	maintenance, err := s.maintenance.ListEnabled(ctx, tenant)
	if err != nil {
		return 0, err
	}

	// Group membership is resolved once per distinct group_ids set.
	groupCache := make(map[string]map[string]bool)

	var opened int64
	for i := range devices {
		dev := &devices[i]

		n, err := s.evaluateLiveness(ctx, dev, maintenance, now)
		if err != nil {
			s.log.Error("liveness evaluation failed",
				"tenant_id", dev.TenantID, "device_id", dev.DeviceID, "error", err)
		}
		opened += n

		snapshot := normalizeSnapshot(dev.LatestMetrics, mappings)
		for j := range rules {
			rule := &rules[j]
			inScope, err := s.ruleInScope(ctx, rule, dev, groupCache)
			if err != nil {
				s.log.Error("rule scope check failed",
					"tenant_id", tenant, "rule_id", rule.ID, "error", err)
				continue
			}
			if !inScope {
				continue
			}
			n, err := s.evaluateRuleForDevice(ctx, rule, dev, snapshot, maintenance, now)
			if err != nil {
				s.log.Error("rule evaluation failed",
					"tenant_id", tenant, "rule_id", rule.ID, "device_id", dev.DeviceID, "error", err)
				continue
			}
			opened += n
		}
	}
	return opened, nil
}

// evaluateLiveness recomputes the device's ONLINE/STALE status, upserts
// the state row, and drives the NO_HEARTBEAT alert both ways.
func (s *Service) evaluateLiveness(ctx context.Context, dev *store.DeviceRollup, maintenance []store.MaintenanceWindow, now time.Time) (int64, error) {
	status := store.StateOnline
	if dev.RegistryStatus != store.DeviceActive || dev.LastHeartbeatAt == nil ||
		now.Sub(*dev.LastHeartbeatAt) > s.heartbeatStale {
		status = store.StateStale
	}

	if err := s.states.UpsertObserved(ctx, &store.DeviceState{
		TenantID:        dev.TenantID,
		DeviceID:        dev.DeviceID,
		Status:          status,
		LastHeartbeatAt: dev.LastHeartbeatAt,
		LastTelemetryAt: dev.LastTelemetryAt,
		LatestMetrics:   dev.LatestMetrics,
	}); err != nil {
		return 0, err
	}

	fingerprint := store.AlertNoHeartbeat + ":" + dev.DeviceID
	if status == store.StateOnline {
		return 0, s.closeAlert(ctx, dev.TenantID, fingerprint)
	}

	return s.openAlert(ctx, &store.FleetAlert{
		TenantID:    dev.TenantID,
		SiteID:      dev.SiteID,
		DeviceID:    dev.DeviceID,
		AlertType:   store.AlertNoHeartbeat,
		Fingerprint: fingerprint,
		Severity:    4,
		Confidence:  0.9,
		Summary:     "no heartbeat from " + dev.DeviceID,
	}, maintenance, dev, now)
}

// ruleInScope applies the rule's site and group filters.
func (s *Service) ruleInScope(ctx context.Context, rule *store.AlertRule, dev *store.DeviceRollup, groupCache map[string]map[string]bool) (bool, error) {
	if len(rule.SiteIDs) > 0 && !containsString(rule.SiteIDs, dev.SiteID) {
		return false, nil
	}
	if len(rule.GroupIDs) > 0 {
		key := strings.Join(rule.GroupIDs, ",")
		members, ok := groupCache[key]
		if !ok {
			var err error
			members, err = s.groups.DevicesInGroups(ctx, dev.TenantID, rule.GroupIDs)
			if err != nil {
				return false, err
			}
			groupCache[key] = members
		}
		if !members[dev.DeviceID] {
			return false, nil
		}
	}
	return true, nil
}

// evaluateRuleForDevice dispatches one rule and applies the verdict: a
// fire opens or refreshes the alert, a clean non-fire closes it, and an
// evaluation error does neither.
func (s *Service) evaluateRuleForDevice(ctx context.Context, rule *store.AlertRule, dev *store.DeviceRollup, snapshot map[string]float64, maintenance []store.MaintenanceWindow, now time.Time) (int64, error) {
	out, err := s.dispatchRule(ctx, rule, dev, snapshot, now)
	if err != nil {
		return 0, err
	}

	fingerprint := "RULE:" + rule.ID + ":" + dev.DeviceID
	if !out.fired {
		return 0, s.closeAlert(ctx, dev.TenantID, fingerprint)
	}

	details, err := json.Marshal(out.details)
	if err != nil {
		return 0, err
	}
	ruleID := rule.ID
	return s.openAlert(ctx, &store.FleetAlert{
		TenantID:    dev.TenantID,
		SiteID:      dev.SiteID,
		DeviceID:    dev.DeviceID,
		AlertType:   out.alertType,
		Fingerprint: fingerprint,
		Severity:    rule.Severity,
		Confidence:  1,
		Summary:     out.summary,
		Details:     details,
		RuleID:      &ruleID,
	}, maintenance, dev, now)
}

// openAlert applies the silence and maintenance gates, then upserts.
// Returns 1 when a brand-new alert row was created.
func (s *Service) openAlert(ctx context.Context, alert *store.FleetAlert, maintenance []store.MaintenanceWindow, dev *store.DeviceRollup, now time.Time) (int64, error) {
	silenced, err := s.alerts.IsSilenced(ctx, alert.TenantID, alert.Fingerprint)
	if err != nil {
		return 0, err
	}
	if silenced {
		return 0, nil
	}
	if inMaintenance(maintenance, now, dev.SiteID, dev.DeviceType) {
		return 0, nil
	}

	created, err := s.alerts.OpenOrUpdate(ctx, alert)
	if err != nil {
		return 0, err
	}
	if !created {
		return 0, nil
	}
	s.obs.IncAlertOpened(ctx, alert.AlertType)
	s.log.Info("alert opened",
		"tenant_id", alert.TenantID, "device_id", alert.DeviceID,
		"alert_type", alert.AlertType, "fingerprint", alert.Fingerprint, "severity", alert.Severity)
	return 1, nil
}

func (s *Service) closeAlert(ctx context.Context, tenantID, fingerprint string) error {
	n, err := s.alerts.Close(ctx, tenantID, fingerprint)
	if err != nil {
		return err
	}
	if n > 0 {
		s.obs.IncAlertClosed(ctx, n)
		s.log.Info("alert closed", "tenant_id", tenantID, "fingerprint", fingerprint)
	}
	return nil
}
