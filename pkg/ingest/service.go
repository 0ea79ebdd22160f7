// Package ingest turns broker frames into validated telemetry rows. A
// bounded queue decouples the MQTT callback from the validation
// workers; the batch writer owns the actual inserts. Everything a
// device can influence ends in exactly one of three places: the
// telemetry table, the quarantine tables, or a drop counter.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulseiot/pulse/pkg/archive"
	"github.com/pulseiot/pulse/pkg/config"
	"github.com/pulseiot/pulse/pkg/kernel"
	"github.com/pulseiot/pulse/pkg/observability"
	"github.com/pulseiot/pulse/pkg/store"
)

// Service is the ingest process: subscriber, queue, validation workers,
// settings poller, batch writer and quarantine retention.
type Service struct {
	cfg config.IngestConfig

	pipeline   *Pipeline
	quarantine *QuarantineRecorder
	writer     *store.BatchWriter
	settings   *SettingsPoller
	retention  *RetentionTask
	subscriber *Subscriber

	queue   chan message
	dropped atomic.Int64

	closeLimiter func()

	obs *observability.Provider
	log *slog.Logger
}

type message struct {
	topic   string
	payload []byte
}

// NewService wires the ingest service from its configuration. The
// archive backend comes from the environment (ARCHIVE_BACKEND); without
// one, quarantine retention falls back to plain deletion.
func NewService(ctx context.Context, db *sql.DB, cfg *config.Config, obs *observability.Provider, log *slog.Logger) (*Service, error) {
	ic := cfg.Ingest

	var limiter kernel.LimiterStore
	var closeLimiter func()
	switch ic.RateLimitBackend {
	case "redis":
		rl := kernel.NewRedisLimiterStore(ic.RedisAddr, "", 0)
		if err := rl.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ingest: redis limiter unavailable: %w", err)
		}
		limiter = rl
		closeLimiter = func() { _ = rl.Close() }
	default:
		ml := kernel.NewInMemoryLimiterStore()
		limiter = ml
		closeLimiter = ml.Close
	}

	settingsStore := store.NewSettingsStore(db)
	poller := NewSettingsPoller(settingsStore, RuntimeSettings{
		Prod:            cfg.Mode == config.ModeProd,
		MaxPayloadBytes: ic.MaxPayloadBytes,
		RateLimitRPS:    ic.RateLimitRPS,
		RateLimitBurst:  ic.RateLimitBurst,
	}, ic.SettingsPoll, log)

	cache := kernel.NewAuthCache(ic.AuthCacheTTL, ic.AuthCacheMaxSize)
	pipeline := NewPipeline(poller.Current, limiter, cache, store.NewRegistryStore(db), ic.RequireToken, ic.AutoProvision)

	var spool *store.Spool
	if ic.SpoolPath != "" {
		var err error
		spool, err = store.OpenSpool(ic.SpoolPath)
		if err != nil {
			return nil, fmt.Errorf("ingest: open spool: %w", err)
		}
	}
	writer := store.NewBatchWriter(store.NewTelemetryStore(db), store.NewNotifier(db), spool, store.BatchWriterConfig{
		BatchSize:     ic.BatchSize,
		FlushInterval: ic.FlushInterval,
		MaxBuffer:     ic.MaxBufferSize,
	}, log)

	arch, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: archive backend: %w", err)
	}
	quarantineStore := store.NewQuarantineStore(db)

	return &Service{
		cfg:          ic,
		pipeline:     pipeline,
		quarantine:   NewQuarantineRecorder(quarantineStore, poller.Current, obs, log),
		writer:       writer,
		settings:     poller,
		retention:    NewRetentionTask(quarantineStore, arch, ic.QuarantineRetention, log),
		queue:        make(chan message, ic.QueueSize),
		closeLimiter: closeLimiter,
		obs:          obs,
		log:          log,
	}, nil
}

// HandleMessage is the broker callback: try-put onto the bounded queue,
// count a drop when full. Never blocks the MQTT reader.
func (s *Service) HandleMessage(topic string, payload []byte) {
	select {
	case s.queue <- message{topic: topic, payload: payload}:
	default:
		s.dropped.Add(1)
		s.obs.IncDropped(context.Background(), 1)
	}
}

// Dropped reports messages discarded because the queue was full.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// Run starts the workers and background tasks and blocks on the broker
// connection until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("ingest starting",
		"workers", s.cfg.WorkerCount, "queue_size", s.cfg.QueueSize, "topic", s.cfg.MQTTTopic)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.settings.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.retention.Run(ctx)
	}()

	for i := 0; i < s.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	s.subscriber = NewSubscriber(s.cfg, s.HandleMessage, s.log)
	err := s.subscriber.Run(ctx)

	wg.Wait()
	if s.closeLimiter != nil {
		s.closeLimiter()
	}
	s.log.Info("ingest stopped", "queue_dropped", s.dropped.Load(), "batch_dropped", s.writer.Dropped())
	return err
}

// worker drains the queue until ctx ends. A panic in message handling
// is logged and followed by a short pause so a poisoned message cannot
// spin the loop.
func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			s.safeProcess(ctx, m)
		}
	}
}

func (s *Service) safeProcess(ctx context.Context, m message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("ingest worker panic", "topic", m.topic, "panic", r)
			time.Sleep(time.Second)
		}
	}()

	rec, rej, err := s.pipeline.Process(ctx, m.topic, m.payload)
	switch {
	case err != nil:
		s.log.Error("message processing failed", "topic", m.topic, "error", err)
	case rej != nil:
		s.quarantine.Record(ctx, rej)
	default:
		s.writer.Enqueue(*rec)
		s.obs.IncIngested(ctx, 1, observability.IngestOperation(rec.TenantID, rec.DeviceID, rec.MsgType)...)
	}
}
