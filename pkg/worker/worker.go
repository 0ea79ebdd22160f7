// Package worker executes delivery jobs against tenant integrations:
// webhooks, SNMP traps, SMTP, broker topics and Slack. Jobs are leased
// with SKIP LOCKED so replicas share one queue; every try is recorded
// in delivery_attempts, and failures retry on exponential backoff
// until the attempt budget runs out.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pulseiot/pulse/pkg/config"
	"github.com/pulseiot/pulse/pkg/kernel/retry"
	"github.com/pulseiot/pulse/pkg/observability"
	"github.com/pulseiot/pulse/pkg/store"
)

// channel delivers one job to one integration. The returned status is
// the HTTP code when the transport has one. A nil error marks success;
// otherwise the message becomes the job's last_error.
type channel interface {
	send(ctx context.Context, job *store.DeliveryJob, in *store.Integration) (*int, error)
}

// Service is the delivery worker process.
type Service struct {
	cfg *config.Config

	jobs         *store.JobStore
	attempts     *store.AttemptStore
	integrations *store.IntegrationStore

	channels map[string]channel

	obs   *observability.Provider
	log   *slog.Logger
	clock func() time.Time
}

func NewService(db *sql.DB, cfg *config.Config, obs *observability.Provider, log *slog.Logger) *Service {
	guard := NewEgressGuard(cfg.Mode)
	client := &http.Client{Timeout: cfg.Worker.Timeout}
	s := &Service{
		cfg:          cfg,
		jobs:         store.NewJobStore(db),
		attempts:     store.NewAttemptStore(db),
		integrations: store.NewIntegrationStore(db),
		obs:          obs,
		log:          log,
		clock:        time.Now,
	}
	s.channels = map[string]channel{
		"webhook": &webhookChannel{guard: guard, client: client, now: func() time.Time { return s.clock() }},
		"snmp":    &snmpChannel{guard: guard, timeout: cfg.Worker.Timeout},
		"email":   &emailChannel{guard: guard},
		"mqtt":    &mqttChannel{brokerURL: cfg.Worker.MQTTBrokerURL, log: log},
		"slack":   &slackChannel{guard: guard, client: client},
	}
	return s
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Run blocks until ctx is done. Wakes come from new_delivery_job
// notifications, with the worker poll as the correctness floor.
func (s *Service) Run(ctx context.Context) error {
	listener, err := store.NewListener(s.cfg.NotifyDatabaseURL, store.ChannelNewDeliveryJob, s.listenerEvent)
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close() }()

	waker := &store.Waker{
		Notifications: listener.Notify,
		Fallback:      s.cfg.Worker.Poll,
		Debounce:      s.cfg.Debounce,
		Ping:          listener.Ping,
	}
	waker.Run(ctx, func(ctx context.Context, _ string) {
		if err := s.Drain(ctx); err != nil {
			s.log.Error("delivery drain failed", "error", err)
		}
	})

	s.log.Info("worker stopped")
	return nil
}

func (s *Service) listenerEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		s.log.Warn("job listener event", "event", ev, "error", err)
	}
}

// Drain rescues stuck jobs, then leases and executes batches until the
// queue is empty.
func (s *Service) Drain(ctx context.Context) error {
	ctx, done := s.obs.TrackOperation(ctx, "delivery_drain")

	var errs []error
	requeued, err := s.jobs.RequeueStuck(ctx, s.cfg.Worker.StuckJobAfter)
	if err != nil {
		s.log.Error("stuck job requeue failed", "error", err)
		errs = append(errs, err)
	} else if requeued > 0 {
		s.log.Warn("requeued stuck delivery jobs", "count", requeued)
	}

	for ctx.Err() == nil {
		jobs, err := s.jobs.Lease(ctx, s.cfg.Worker.BatchSize)
		if err != nil {
			s.log.Error("job lease failed", "error", err)
			errs = append(errs, err)
			break
		}
		if len(jobs) == 0 {
			break
		}
		for i := range jobs {
			s.process(ctx, &jobs[i])
		}
		if len(jobs) < s.cfg.Worker.BatchSize {
			break
		}
	}

	err = errors.Join(errs...)
	done(err)
	return err
}

// process runs one leased job start to finish. A panic in a channel is
// contained to the job; the loop pauses a beat and moves on.
func (s *Service) process(ctx context.Context, job *store.DeliveryJob) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("delivery panicked", "job_id", job.ID, "panic", r)
			now := s.clock().UTC()
			s.settle(ctx, job, "unknown", nil, fmt.Errorf("panic: %v", r), now, now)
			time.Sleep(time.Second)
		}
	}()

	in, err := s.integrations.Get(ctx, job.TenantID, job.IntegrationID)
	if err != nil {
		// Leave the job PROCESSING; the stuck sweep reclaims it.
		s.log.Error("integration load failed", "job_id", job.ID, "error", err)
		return
	}
	if in == nil {
		s.terminal(ctx, job, "unknown", "missing_integration")
		return
	}
	if !in.Enabled {
		s.terminal(ctx, job, in.Kind, "integration_disabled")
		return
	}
	ch, ok := s.channels[in.Kind]
	if !ok {
		s.terminal(ctx, job, in.Kind, "unsupported_kind:"+in.Kind)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Worker.Timeout)
	started := s.clock().UTC()
	status, sendErr := ch.send(sendCtx, job, in)
	finished := s.clock().UTC()
	cancel()

	s.settle(ctx, job, in.Kind, status, sendErr, started, finished)
}

// terminal fails a job outright, without burning through the attempt
// budget. Used when the integration itself is gone or off.
func (s *Service) terminal(ctx context.Context, job *store.DeliveryJob, kind, reason string) {
	now := s.clock().UTC()
	s.recordAttempt(ctx, job, nil, reason, now, now)
	if err := s.jobs.MarkFailed(ctx, job.ID, reason); err != nil {
		s.log.Error("job transition failed", "job_id", job.ID, "error", err)
		return
	}
	s.obs.IncJobFailed(ctx, kind, true)
	s.log.Error("delivery failed permanently", "job_id", job.ID, "kind", kind, "error", reason)
}

// settle records the attempt and moves the job to its next state:
// COMPLETED, PENDING with backoff, or FAILED once the budget is spent.
func (s *Service) settle(ctx context.Context, job *store.DeliveryJob, kind string, status *int, sendErr error, started, finished time.Time) {
	var errMsg string
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	s.recordAttempt(ctx, job, status, errMsg, started, finished)
	s.obs.RecordDeliveryDuration(ctx, kind, finished.Sub(started))

	policy := retry.BackoffPolicy{
		Base:        s.cfg.Worker.BackoffBase,
		Max:         s.cfg.Worker.BackoffMax,
		MaxAttempts: s.cfg.Worker.MaxAttempts,
	}

	attempt := job.Attempts + 1
	if sendErr == nil {
		if err := s.jobs.MarkDone(ctx, job.ID); err != nil {
			s.log.Error("job transition failed", "job_id", job.ID, "error", err)
			return
		}
		s.obs.IncJobDelivered(ctx, kind)
		s.log.Info("delivery completed", "job_id", job.ID, "kind", kind, "attempt", attempt,
			"latency_ms", finished.Sub(started).Milliseconds())
		return
	}

	if retry.Exhausted(attempt, policy) {
		if err := s.jobs.MarkFailed(ctx, job.ID, errMsg); err != nil {
			s.log.Error("job transition failed", "job_id", job.ID, "error", err)
			return
		}
		s.obs.IncJobFailed(ctx, kind, true)
		s.log.Error("delivery failed permanently", "job_id", job.ID, "kind", kind,
			"attempt", attempt, "error", errMsg)
		return
	}

	delay := retry.Delay(job.ID, attempt, policy)
	if err := s.jobs.Reschedule(ctx, job.ID, s.clock().UTC().Add(delay), errMsg); err != nil {
		s.log.Error("job transition failed", "job_id", job.ID, "error", err)
		return
	}
	s.obs.IncJobFailed(ctx, kind, false)
	s.log.Warn("delivery failed, retrying", "job_id", job.ID, "kind", kind,
		"attempt", attempt, "retry_in", delay, "error", errMsg)
}

// recordAttempt appends the forensic row. Attempt logging never blocks
// the job transition.
func (s *Service) recordAttempt(ctx context.Context, job *store.DeliveryJob, status *int, errMsg string, started, finished time.Time) {
	a := &store.DeliveryAttempt{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		AttemptNo:  job.Attempts + 1,
		OK:         errMsg == "",
		HTTPStatus: status,
		LatencyMS:  finished.Sub(started).Milliseconds(),
		StartedAt:  started,
		FinishedAt: finished,
	}
	if errMsg != "" {
		a.Error = &errMsg
	}
	if err := s.attempts.Insert(ctx, a); err != nil {
		s.log.Error("attempt insert failed", "job_id", job.ID, "error", err)
	}
}
