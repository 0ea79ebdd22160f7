// Package evaluator turns stored telemetry into device liveness and
// alert state. One cycle per wake: rollups for the hinted tenants,
// ONLINE/STALE upserts, then every enabled rule against every in-scope
// device. A background sweep escalates alerts that sat OPEN past their
// rule's escalation window.
package evaluator

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/pulseiot/pulse/pkg/config"
	"github.com/pulseiot/pulse/pkg/observability"
	"github.com/pulseiot/pulse/pkg/store"
)

// escalationInterval paces the background escalation sweep.
const escalationInterval = time.Minute

// Service is the evaluator process.
type Service struct {
	cfg *config.Config

	registry    *store.RegistryStore
	telemetry   *store.TelemetryStore
	states      *store.DeviceStateStore
	rules       *store.RuleStore
	mappings    *store.MappingStore
	groups      *store.GroupStore
	maintenance *store.MaintenanceStore
	alerts      *store.AlertStore
	notifier    *store.Notifier

	windows        *windowSet
	heartbeatStale time.Duration

	obs   *observability.Provider
	log   *slog.Logger
	clock func() time.Time
}

func NewService(db *sql.DB, cfg *config.Config, obs *observability.Provider, log *slog.Logger) *Service {
	return &Service{
		cfg:            cfg,
		registry:       store.NewRegistryStore(db),
		telemetry:      store.NewTelemetryStore(db),
		states:         store.NewDeviceStateStore(db),
		rules:          store.NewRuleStore(db),
		mappings:       store.NewMappingStore(db),
		groups:         store.NewGroupStore(db),
		maintenance:    store.NewMaintenanceStore(db),
		alerts:         store.NewAlertStore(db),
		notifier:       store.NewNotifier(db),
		windows:        newWindowSet(),
		heartbeatStale: cfg.Evaluator.HeartbeatStale,
		obs:            obs,
		log:            log,
		clock:          time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Run blocks until ctx is done. Wakes come from telemetry_inserted
// notifications, with the fallback poll as the correctness floor.
func (s *Service) Run(ctx context.Context) error {
	listener, err := store.NewListener(s.cfg.NotifyDatabaseURL, store.ChannelTelemetryInserted, s.listenerEvent)
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close() }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.escalationLoop(ctx)
	}()

	waker := &store.Waker{
		Notifications: listener.Notify,
		Fallback:      s.cfg.FallbackPoll,
		Debounce:      s.cfg.Debounce,
		Ping:          listener.Ping,
	}
	waker.Run(ctx, func(ctx context.Context, payload string) {
		if err := s.Cycle(ctx, payload); err != nil {
			s.log.Error("evaluation cycle failed", "error", err)
		}
	})

	wg.Wait()
	s.log.Info("evaluator stopped")
	return nil
}

func (s *Service) listenerEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		s.log.Warn("telemetry listener event", "event", int(ev), "error", err)
	}
}

// escalationLoop sweeps roughly once a minute.
func (s *Service) escalationLoop(ctx context.Context) {
	ticker := time.NewTicker(escalationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.escalateAll(ctx)
		}
	}
}

// escalateAll runs the single-statement escalation sweep for every
// tenant and hints the dispatcher when anything moved.
func (s *Service) escalateAll(ctx context.Context) {
	tenants, err := s.registry.Tenants(ctx)
	if err != nil {
		s.log.Error("escalation sweep failed", "error", err)
		return
	}

	var escalated int64
	for _, tenant := range tenants {
		n, err := s.alerts.EscalationSweep(ctx, tenant)
		if err != nil {
			s.log.Error("escalation sweep failed", "tenant_id", tenant, "error", err)
			continue
		}
		escalated += n
	}
	if escalated > 0 {
		s.log.Info("alerts escalated", "count", escalated)
		if err := s.notifier.Notify(ctx, store.ChannelNewFleetAlert, ""); err != nil {
			s.log.Warn("escalation notify failed", "error", err)
		}
	}
}
