// Package dispatcher fans alert lifecycle events out into delivery
// jobs, exactly once per (alert, route, event). One cycle per wake
// runs four passes: newly opened alerts, escalations, closures and due
// digest schedules. Idempotence rests entirely on the delivery_jobs
// unique indexes; re-running a cycle inserts nothing new.
package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/pulseiot/pulse/pkg/config"
	"github.com/pulseiot/pulse/pkg/observability"
	"github.com/pulseiot/pulse/pkg/store"
)

// escalationLookback bounds the escalation pass. The evaluator sweeps
// roughly once a minute, so five minutes of slack tolerates a few
// missed cycles without rescanning history.
const escalationLookback = 5 * time.Minute

// digestMaxAlerts caps the alerts packed into one digest payload.
const digestMaxAlerts = 500

// Service is the dispatcher process.
type Service struct {
	cfg *config.Config

	alerts   *store.AlertStore
	routes   *store.RouteStore
	jobs     *store.JobStore
	digests  *store.DigestStore
	notifier *store.Notifier

	filter *filterEngine

	obs   *observability.Provider
	log   *slog.Logger
	clock func() time.Time
}

func NewService(db *sql.DB, cfg *config.Config, obs *observability.Provider, log *slog.Logger) (*Service, error) {
	filter, err := newFilterEngine()
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:      cfg,
		alerts:   store.NewAlertStore(db),
		routes:   store.NewRouteStore(db),
		jobs:     store.NewJobStore(db),
		digests:  store.NewDigestStore(db),
		notifier: store.NewNotifier(db),
		filter:   filter,
		obs:      obs,
		log:      log,
		clock:    time.Now,
	}, nil
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Run blocks until ctx is done. Wakes come from new_fleet_alert
// notifications, with the fallback poll as the correctness floor.
func (s *Service) Run(ctx context.Context) error {
	listener, err := store.NewListener(s.cfg.NotifyDatabaseURL, store.ChannelNewFleetAlert, s.listenerEvent)
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close() }()

	waker := &store.Waker{
		Notifications: listener.Notify,
		Fallback:      s.cfg.FallbackPoll,
		Debounce:      s.cfg.Debounce,
		Ping:          listener.Ping,
	}
	waker.Run(ctx, func(ctx context.Context, _ string) {
		if err := s.Cycle(ctx); err != nil {
			s.log.Error("dispatch cycle failed", "error", err)
		}
	})

	s.log.Info("dispatcher stopped")
	return nil
}

func (s *Service) listenerEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		s.log.Warn("alert listener event", "event", ev, "error", err)
	}
}

// Cycle runs all four passes. A failing pass does not starve the
// others; its error is folded into the return. new_delivery_job fires
// once when any pass queued work.
func (s *Service) Cycle(ctx context.Context) error {
	ctx, done := s.obs.TrackOperation(ctx, "dispatch_cycle")
	now := s.clock().UTC()

	// Routes are loaded once per tenant and shared across passes.
	routeCache := make(map[string][]store.Route)

	var inserted int64
	var errs []error
	for _, pass := range []struct {
		name string
		run  func(context.Context, time.Time, map[string][]store.Route) (int64, error)
	}{
		{"open", s.openPass},
		{"escalation", s.escalationPass},
		{"closed", s.closedPass},
		{"digest", s.digestPass},
	} {
		n, err := pass.run(ctx, now, routeCache)
		if err != nil {
			s.log.Error("dispatch pass failed", "pass", pass.name, "error", err)
			errs = append(errs, err)
			continue
		}
		inserted += n
	}

	if inserted > 0 {
		s.log.Info("delivery jobs queued", "count", inserted)
		if err := s.notifier.Notify(ctx, store.ChannelNewDeliveryJob, ""); err != nil {
			s.log.Warn("job notify failed", "error", err)
		}
	}

	err := errors.Join(errs...)
	done(err)
	return err
}
