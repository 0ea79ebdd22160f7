package seed

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulseiot/pulse/pkg/store"
)

// Apply writes the seed file through the store layer. Every write is an
// upsert, so re-running bootstrap with the same file is harmless.
func Apply(ctx context.Context, db *sql.DB, f *File) error {
	settings := store.NewSettingsStore(db)
	registry := store.NewRegistryStore(db)
	groups := store.NewGroupStore(db)
	rules := store.NewRuleStore(db)
	mappings := store.NewMappingStore(db)
	maintenance := store.NewMaintenanceStore(db)
	integrations := store.NewIntegrationStore(db)
	routes := store.NewRouteStore(db)
	digests := store.NewDigestStore(db)

	for k, v := range f.Settings {
		if err := settings.Set(ctx, k, v); err != nil {
			return fmt.Errorf("seed: setting %s: %w", k, err)
		}
	}

	for _, t := range f.Tenants {
		if err := applyTenant(ctx, t, registry, groups, rules, mappings, maintenance, integrations, routes, digests); err != nil {
			return err
		}
	}
	return nil
}

func applyTenant(
	ctx context.Context,
	t Tenant,
	registry *store.RegistryStore,
	groups *store.GroupStore,
	rules *store.RuleStore,
	mappings *store.MappingStore,
	maintenance *store.MaintenanceStore,
	integrations *store.IntegrationStore,
	routes *store.RouteStore,
	digests *store.DigestStore,
) error {
	for _, d := range t.Devices {
		status := d.Status
		if status == "" {
			status = store.DeviceActive
		}
		tokenHash := ""
		if d.ProvisionToken != "" {
			tokenHash = store.HashToken(d.ProvisionToken)
		}
		if err := registry.Upsert(ctx, &store.RegistryEntry{
			TenantID:           t.TenantID,
			DeviceID:           d.DeviceID,
			SiteID:             d.SiteID,
			Status:             status,
			ProvisionTokenHash: tokenHash,
			Metadata:           d.Metadata.Raw(),
		}); err != nil {
			return fmt.Errorf("seed: tenant %s: device %s: %w", t.TenantID, d.DeviceID, err)
		}
		for _, g := range d.Groups {
			if err := groups.Add(ctx, t.TenantID, g, d.DeviceID); err != nil {
				return fmt.Errorf("seed: tenant %s: group %s: %w", t.TenantID, g, err)
			}
		}
	}

	for _, r := range t.Rules {
		rule := &store.AlertRule{
			ID:                orUUID(r.ID),
			TenantID:          t.TenantID,
			Name:              r.Name,
			RuleType:          r.RuleType,
			Enabled:           orTrue(r.Enabled),
			MetricName:        r.MetricName,
			Operator:          r.Operator,
			Threshold:         r.Threshold,
			Severity:          orSeverity(r.Severity),
			SiteIDs:           r.SiteIDs,
			GroupIDs:          r.GroupIDs,
			Conditions:        r.Conditions.Raw(),
			MatchMode:         r.MatchMode,
			DurationSeconds:   r.DurationSeconds,
			Aggregation:       r.Aggregation,
			WindowSeconds:     r.WindowSeconds,
			EscalationMinutes: r.EscalationMinutes,
		}
		if err := rules.Upsert(ctx, rule); err != nil {
			return fmt.Errorf("seed: tenant %s: rule %s: %w", t.TenantID, r.Name, err)
		}
	}

	for _, m := range t.MetricMappings {
		mult := m.Multiplier
		if mult == 0 {
			mult = 1
		}
		if err := mappings.Upsert(ctx, &store.MetricMapping{
			ID:             orUUID(m.ID),
			TenantID:       t.TenantID,
			NormalizedName: m.NormalizedName,
			RawName:        m.RawName,
			Multiplier:     mult,
			AddOffset:      m.AddOffset,
			Priority:       m.Priority,
			Enabled:        orTrue(m.Enabled),
		}); err != nil {
			return fmt.Errorf("seed: tenant %s: mapping %s: %w", t.TenantID, m.NormalizedName, err)
		}
	}

	for _, w := range t.MaintenanceWindows {
		startsAt, err := parseTime(w.StartsAt)
		if err != nil {
			return fmt.Errorf("seed: tenant %s: window %s: starts_at: %w", t.TenantID, w.Name, err)
		}
		var endsAt *time.Time
		if w.EndsAt != "" {
			e, err := parseTime(w.EndsAt)
			if err != nil {
				return fmt.Errorf("seed: tenant %s: window %s: ends_at: %w", t.TenantID, w.Name, err)
			}
			endsAt = &e
		}
		if err := maintenance.Upsert(ctx, &store.MaintenanceWindow{
			ID:          orUUID(w.ID),
			TenantID:    t.TenantID,
			Name:        w.Name,
			Enabled:     orTrue(w.Enabled),
			StartsAt:    startsAt,
			EndsAt:      endsAt,
			Recurring:   w.Recurring,
			DaysOfWeek:  w.DaysOfWeek,
			StartHour:   w.StartHour,
			EndHour:     w.EndHour,
			SiteIDs:     w.SiteIDs,
			DeviceTypes: w.DeviceTypes,
		}); err != nil {
			return fmt.Errorf("seed: tenant %s: window %s: %w", t.TenantID, w.Name, err)
		}
	}

	for _, in := range t.Integrations {
		if err := integrations.Upsert(ctx, &store.Integration{
			ID:       in.ID,
			TenantID: t.TenantID,
			Kind:     in.Kind,
			Name:     in.Name,
			Enabled:  orTrue(in.Enabled),
			Config:   in.Config.Raw(),
		}); err != nil {
			return fmt.Errorf("seed: tenant %s: integration %s: %w", t.TenantID, in.ID, err)
		}
	}

	for _, r := range t.Routes {
		deliverOn := r.DeliverOn
		if len(deliverOn) == 0 {
			deliverOn = []string{store.EventOpen}
		}
		var filterCEL *string
		if r.FilterCEL != "" {
			f := r.FilterCEL
			filterCEL = &f
		}
		if err := routes.Upsert(ctx, &store.Route{
			ID:             orUUID(r.ID),
			TenantID:       t.TenantID,
			Name:           r.Name,
			IntegrationID:  r.IntegrationID,
			Enabled:        orTrue(r.Enabled),
			Priority:       r.Priority,
			MinSeverity:    r.MinSeverity,
			AlertTypes:     r.AlertTypes,
			SiteIDs:        r.SiteIDs,
			DevicePrefixes: r.DevicePrefixes,
			DeliverOn:      deliverOn,
			FilterCEL:      filterCEL,
		}); err != nil {
			return fmt.Errorf("seed: tenant %s: route %s: %w", t.TenantID, r.Name, err)
		}
	}

	if t.Digest != nil {
		interval := t.Digest.IntervalMinutes
		if interval == 0 {
			interval = 60
		}
		if err := digests.Upsert(ctx, &store.DigestSettings{
			TenantID:        t.TenantID,
			Enabled:         orTrue(t.Digest.Enabled),
			IntegrationID:   t.Digest.IntegrationID,
			IntervalMinutes: interval,
			MinSeverity:     t.Digest.MinSeverity,
		}); err != nil {
			return fmt.Errorf("seed: tenant %s: digest: %w", t.TenantID, err)
		}
	}
	return nil
}

func orUUID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func orTrue(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}

func orSeverity(s int) int {
	if s == 0 {
		return 3
	}
	return s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("seed: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
