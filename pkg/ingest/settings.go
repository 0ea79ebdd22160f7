package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pulseiot/pulse/pkg/store"
)

// RuntimeSettings are the knobs operators can flip at runtime through
// the app_settings table, layered over the process-environment defaults.
// PROD forces both quarantine retention flags off so raw device payloads
// never persist there.
type RuntimeSettings struct {
	Prod               bool
	StoreRejects       bool
	MirrorRejectsToRaw bool
	MaxPayloadBytes    int
	RateLimitRPS       float64
	RateLimitBurst     int
}

// SettingsPoller refreshes RuntimeSettings from app_settings on a fixed
// interval. Readers get a consistent snapshot via Current; the swap is
// atomic so the hot path never takes a lock.
type SettingsPoller struct {
	store    *store.SettingsStore
	defaults RuntimeSettings
	interval time.Duration
	log      *slog.Logger

	current atomic.Pointer[RuntimeSettings]
}

func NewSettingsPoller(st *store.SettingsStore, defaults RuntimeSettings, interval time.Duration, log *slog.Logger) *SettingsPoller {
	p := &SettingsPoller{
		store:    st,
		defaults: defaults,
		interval: interval,
		log:      log,
	}
	initial := applyForcedPolicy(defaults)
	p.current.Store(&initial)
	return p
}

// Current returns the latest settings snapshot.
func (p *SettingsPoller) Current() RuntimeSettings {
	return *p.current.Load()
}

// Refresh reads app_settings once and swaps in the merged snapshot.
func (p *SettingsPoller) Refresh(ctx context.Context) error {
	values, err := p.store.GetAll(ctx)
	if err != nil {
		return err
	}

	s := p.defaults
	if v, ok := values["MODE"]; ok {
		s.Prod = v == "PROD"
	}
	if v, ok := values["STORE_REJECTS"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.StoreRejects = b
		}
	}
	if v, ok := values["MIRROR_REJECTS_TO_RAW"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.MirrorRejectsToRaw = b
		}
	}
	if v, ok := values["MAX_PAYLOAD_BYTES"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxPayloadBytes = n
		}
	}
	if v, ok := values["RATE_LIMIT_RPS"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			s.RateLimitRPS = f
		}
	}
	if v, ok := values["RATE_LIMIT_BURST"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.RateLimitBurst = n
		}
	}

	merged := applyForcedPolicy(s)
	p.current.Store(&merged)
	return nil
}

// Run polls until the context ends. The first refresh happens
// immediately so a freshly started service picks up the table state
// without waiting a full interval.
func (p *SettingsPoller) Run(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil {
		p.log.Warn("settings refresh failed", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.log.Warn("settings refresh failed", "error", err)
			}
		}
	}
}

// applyForcedPolicy clamps the PROD posture: no reject payload storage.
func applyForcedPolicy(s RuntimeSettings) RuntimeSettings {
	if s.Prod {
		s.StoreRejects = false
		s.MirrorRejectsToRaw = false
	}
	return s
}
