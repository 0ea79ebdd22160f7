package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pulseiot/pulse/pkg/store"
)

// openPass queues OPEN jobs for alerts created within the lookback.
func (s *Service) openPass(ctx context.Context, now time.Time, routeCache map[string][]store.Route) (int64, error) {
	since := now.Add(-s.cfg.Dispatcher.AlertLookback)
	alerts, err := s.alerts.ListOpenSince(ctx, since, s.cfg.Dispatcher.AlertLimit)
	if err != nil {
		return 0, err
	}
	return s.fanOut(ctx, alerts, store.EventOpen, routeCache)
}

// escalationPass re-notifies routes whose alert escalated after their
// last completed delivery. Routes subscribe via deliver_on OPEN; the
// job itself carries the ESCALATED event and payload marker.
func (s *Service) escalationPass(ctx context.Context, now time.Time, routeCache map[string][]store.Route) (int64, error) {
	alerts, err := s.alerts.ListEscalatedSince(ctx, now.Add(-escalationLookback))
	if err != nil {
		return 0, err
	}
	return s.fanOut(ctx, alerts, store.EventEscalated, routeCache)
}

// closedPass queues CLOSED jobs for routes that asked for them.
func (s *Service) closedPass(ctx context.Context, now time.Time, routeCache map[string][]store.Route) (int64, error) {
	since := now.Add(-s.cfg.Dispatcher.AlertLookback)
	alerts, err := s.alerts.ListClosedSince(ctx, since, s.cfg.Dispatcher.AlertLimit)
	if err != nil {
		return 0, err
	}
	return s.fanOut(ctx, alerts, store.EventClosed, routeCache)
}

// fanOut matches every alert against its tenant's routes and inserts
// one job per match. Per-tenant and per-pair failures are logged and
// skipped so one bad route cannot block the rest of the fleet.
func (s *Service) fanOut(ctx context.Context, alerts []store.FleetAlert, event string, routeCache map[string][]store.Route) (int64, error) {
	var inserted int64
	for i := range alerts {
		alert := &alerts[i]
		routes, err := s.tenantRoutes(ctx, alert.TenantID, routeCache)
		if err != nil {
			s.log.Error("route load failed", "tenant_id", alert.TenantID, "error", err)
			continue
		}
		for j := range routes {
			route := &routes[j]
			created, err := s.dispatchPair(ctx, alert, route, event)
			if err != nil {
				s.log.Error("dispatch failed",
					"tenant_id", alert.TenantID, "alert_id", alert.ID,
					"route_id", route.ID, "event", event, "error", err)
				continue
			}
			inserted += created
		}
	}
	return inserted, nil
}

// dispatchPair applies route matching and, for escalations, the
// already-delivered check, then inserts the job. Returns 1 only when a
// new row was written; conflicts count as zero.
func (s *Service) dispatchPair(ctx context.Context, alert *store.FleetAlert, route *store.Route, event string) (int64, error) {
	// Escalations target the routes that delivered the opening.
	subscribedEvent := event
	if event == store.EventEscalated {
		subscribedEvent = store.EventOpen
	}
	ok, err := s.routeMatches(route, alert, subscribedEvent)
	if err != nil || !ok {
		return 0, err
	}

	if event == store.EventEscalated {
		if alert.EscalatedAt == nil {
			return 0, nil
		}
		delivered, err := s.jobs.HasCompletedSince(ctx, alert.TenantID, alert.ID, route.ID, *alert.EscalatedAt)
		if err != nil {
			return 0, err
		}
		if delivered {
			return 0, nil
		}
	}

	payload, err := json.Marshal(alertView(alert, event))
	if err != nil {
		return 0, err
	}
	alertID, routeID := alert.ID, route.ID
	created, err := s.jobs.Insert(ctx, &store.DeliveryJob{
		TenantID:       alert.TenantID,
		AlertID:        &alertID,
		IntegrationID:  route.IntegrationID,
		RouteID:        &routeID,
		DeliverOnEvent: event,
		Payload:        payload,
	})
	if err != nil {
		return 0, err
	}
	if !created {
		return 0, nil
	}
	s.log.Info("delivery job queued",
		"tenant_id", alert.TenantID, "alert_id", alert.ID,
		"route_id", route.ID, "integration_id", route.IntegrationID, "event", event)
	return 1, nil
}

func (s *Service) tenantRoutes(ctx context.Context, tenantID string, cache map[string][]store.Route) ([]store.Route, error) {
	if routes, ok := cache[tenantID]; ok {
		return routes, nil
	}
	routes, err := s.routes.ListActive(ctx, tenantID, s.cfg.Dispatcher.RouteLimit)
	if err != nil {
		return nil, err
	}
	cache[tenantID] = routes
	return routes, nil
}

// routeMatches applies the static filters, then the optional CEL
// filter. min_severity reads inverted on purpose: lower numeric
// severity is more severe, so a route with min_severity 3 takes
// severities 3 and up, not the critical 0..2 band.
func (s *Service) routeMatches(route *store.Route, alert *store.FleetAlert, event string) (bool, error) {
	if !containsString(route.DeliverOn, event) {
		return false, nil
	}
	if route.MinSeverity != nil && alert.Severity < *route.MinSeverity {
		return false, nil
	}
	if len(route.AlertTypes) > 0 && !containsString(route.AlertTypes, alert.AlertType) {
		return false, nil
	}
	if len(route.SiteIDs) > 0 && !containsString(route.SiteIDs, alert.SiteID) {
		return false, nil
	}
	if len(route.DevicePrefixes) > 0 && !hasPrefixIn(route.DevicePrefixes, alert.DeviceID) {
		return false, nil
	}
	if route.FilterCEL != nil && *route.FilterCEL != "" {
		return s.filter.Allow(*route.FilterCEL, alert)
	}
	return true, nil
}

// digestPass queues one DIGEST job per due schedule. The job insert
// and the last_sent_at stamp share a transaction; an empty period only
// advances the stamp.
func (s *Service) digestPass(ctx context.Context, now time.Time, _ map[string][]store.Route) (int64, error) {
	due, err := s.digests.ListDue(ctx, now)
	if err != nil {
		return 0, err
	}

	var inserted int64
	for i := range due {
		n, err := s.sendDigest(ctx, &due[i], now)
		if err != nil {
			s.log.Error("digest failed", "tenant_id", due[i].TenantID, "error", err)
			continue
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Service) sendDigest(ctx context.Context, d *store.DigestSettings, now time.Time) (int64, error) {
	from := now.Add(-time.Duration(d.IntervalMinutes) * time.Minute)
	if d.LastSentAt != nil {
		from = *d.LastSentAt
	}

	alerts, err := s.alerts.ListOpenedBetween(ctx, d.TenantID, from, now, d.MinSeverity, digestMaxAlerts)
	if err != nil {
		return 0, err
	}
	if len(alerts) == 0 {
		return 0, s.digests.StampSent(ctx, d.TenantID, now)
	}

	views := make([]store.AlertView, len(alerts))
	for i := range alerts {
		views[i] = alertView(&alerts[i], store.EventDigest)
	}
	payload, err := json.Marshal(store.DigestView{
		TenantID:    d.TenantID,
		Event:       store.EventDigest,
		PeriodStart: from,
		PeriodEnd:   now,
		AlertCount:  len(views),
		Alerts:      views,
	})
	if err != nil {
		return 0, err
	}

	periodEnd := now
	created, err := s.jobs.InsertDigestAndStamp(ctx, &store.DeliveryJob{
		TenantID:        d.TenantID,
		IntegrationID:   d.IntegrationID,
		DeliverOnEvent:  store.EventDigest,
		Payload:         payload,
		DigestPeriodEnd: &periodEnd,
	}, now)
	if err != nil {
		return 0, err
	}
	if !created {
		return 0, nil
	}
	s.log.Info("digest queued",
		"tenant_id", d.TenantID, "integration_id", d.IntegrationID, "alerts", len(views))
	return 1, nil
}

// alertView builds the delivery payload for one alert event.
func alertView(a *store.FleetAlert, event string) store.AlertView {
	view := store.AlertView{
		AlertID:    a.ID,
		Event:      event,
		SiteID:     a.SiteID,
		DeviceID:   a.DeviceID,
		AlertType:  a.AlertType,
		Severity:   a.Severity,
		Confidence: a.Confidence,
		Summary:    a.Summary,
		Status:     a.Status,
		CreatedAt:  a.CreatedAt,
		Details:    a.Details,
	}
	if event == store.EventEscalated {
		view.Escalated = true
		view.EscalationLevel = a.EscalationLevel
	}
	return view
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func hasPrefixIn(prefixes []string, s string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
