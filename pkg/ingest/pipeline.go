package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/pulseiot/pulse/pkg/kernel"
	"github.com/pulseiot/pulse/pkg/store"
)

// Rejection reasons. Stored verbatim in quarantine counters and rows.
const (
	ReasonBadTopicFormat     = "BAD_TOPIC_FORMAT"
	ReasonInvalidJSON        = "INVALID_JSON"
	ReasonPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ReasonTooManyMetrics     = "TOO_MANY_METRICS"
	ReasonMetricKeyTooLong   = "METRIC_KEY_TOO_LONG"
	ReasonMetricKeyInvalid   = "METRIC_KEY_INVALID"
	ReasonUnsupportedVersion = "UNSUPPORTED_ENVELOPE_VERSION"
	ReasonTenantMismatch     = "TENANT_MISMATCH_TOPIC_VS_PAYLOAD"
	ReasonMissingSiteID      = "MISSING_SITE_ID"
	ReasonRateLimited        = "RATE_LIMITED"
	ReasonUnregisteredDevice = "UNREGISTERED_DEVICE"
	ReasonDeviceRevoked      = "DEVICE_REVOKED"
	ReasonSiteMismatch       = "SITE_MISMATCH"
	ReasonTokenMissing       = "TOKEN_MISSING"
	ReasonTokenInvalid       = "TOKEN_INVALID"
	ReasonTokenNotSet        = "TOKEN_NOT_SET_IN_REGISTRY"
)

// Metric map limits. Keys are NFC-normalized before these checks.
const (
	maxMetricKeys   = 50
	maxMetricKeyLen = 128
)

// Reject describes one quarantined message: the reason, a short
// operator-facing detail, and whatever identity could be extracted
// before validation stopped.
type Reject struct {
	Reason   string
	Detail   string
	TenantID string
	DeviceID string
	Topic    string
	Payload  []byte
}

// envelope is the wire payload on the telemetry topic. Unknown fields
// are tolerated; tenant_id is optional and only checked for consistency
// with the topic.
type envelope struct {
	TS             string             `json:"ts"`
	SiteID         string             `json:"site_id"`
	Seq            int64              `json:"seq"`
	ProvisionToken string             `json:"provision_token"`
	Metrics        map[string]float64 `json:"metrics"`
	Version        string             `json:"version"`
	TenantID       string             `json:"tenant_id"`
}

// Registry is the slice of device provisioning the pipeline consults.
type Registry interface {
	Get(ctx context.Context, tenantID, deviceID string) (*store.RegistryEntry, error)
	Provision(ctx context.Context, tenantID, deviceID, siteID, tokenHash string) error
}

// Pipeline validates and authorizes one broker message at a time. It is
// safe for concurrent use; all mutable state lives in the injected
// cache and limiter.
type Pipeline struct {
	settings      func() RuntimeSettings
	limiter       kernel.LimiterStore
	cache         *kernel.AuthCache
	registry      Registry
	requireToken  bool
	autoProvision bool
	clock         func() time.Time
}

func NewPipeline(settings func() RuntimeSettings, limiter kernel.LimiterStore, cache *kernel.AuthCache, registry Registry, requireToken, autoProvision bool) *Pipeline {
	return &Pipeline{
		settings:      settings,
		limiter:       limiter,
		cache:         cache,
		registry:      registry,
		requireToken:  requireToken,
		autoProvision: autoProvision,
		clock:         time.Now,
	}
}

// WithClock overrides the time source for tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Process runs the full validation pipeline over one message. It
// returns exactly one of: a record ready for the batch writer, a
// rejection bound for quarantine, or an error when an infrastructure
// dependency (registry read, limiter backend) failed and the message
// can be neither accepted nor attributed to the sender.
func (p *Pipeline) Process(ctx context.Context, topic string, payload []byte) (*store.TelemetryRecord, *Reject, error) {
	tenantID, deviceID, msgType, detail := parseTopic(topic)
	if detail != "" {
		return nil, &Reject{Reason: ReasonBadTopicFormat, Detail: detail, Topic: topic, Payload: payload}, nil
	}

	reject := func(reason, detail string) *Reject {
		return &Reject{
			Reason:   reason,
			Detail:   detail,
			TenantID: tenantID,
			DeviceID: deviceID,
			Topic:    topic,
			Payload:  payload,
		}
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, reject(ReasonInvalidJSON, "parse_error: "+err.Error()), nil
	}

	settings := p.settings()
	if len(payload) > settings.MaxPayloadBytes {
		return nil, reject(ReasonPayloadTooLarge, fmt.Sprintf("%d bytes", len(payload))), nil
	}

	metrics, reason, detail := normalizeMetrics(env.Metrics)
	if reason != "" {
		return nil, reject(reason, detail), nil
	}

	if env.Version != "" {
		v, err := semver.NewVersion(env.Version)
		if err != nil || v.Major() != 1 {
			return nil, reject(ReasonUnsupportedVersion, env.Version), nil
		}
	}

	if env.TenantID != "" && env.TenantID != tenantID {
		return nil, reject(ReasonTenantMismatch, env.TenantID), nil
	}

	if env.SiteID == "" {
		return nil, reject(ReasonMissingSiteID, ""), nil
	}

	policy := kernel.BucketPolicy{RPS: settings.RateLimitRPS, Burst: settings.RateLimitBurst}
	allowed, err := p.limiter.Allow(ctx, tenantID+":"+deviceID, policy, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: rate limiter: %w", err)
	}
	if !allowed {
		return nil, reject(ReasonRateLimited, ""), nil
	}

	auth, ok := p.cache.Get(tenantID, deviceID)
	if !ok {
		entry, err := p.registry.Get(ctx, tenantID, deviceID)
		if err != nil {
			return nil, nil, fmt.Errorf("ingest: registry lookup: %w", err)
		}
		if entry == nil {
			if !p.autoProvision {
				return nil, reject(ReasonUnregisteredDevice, ""), nil
			}
			tokenHash := ""
			if env.ProvisionToken != "" {
				tokenHash = store.HashToken(env.ProvisionToken)
			}
			if err := p.registry.Provision(ctx, tenantID, deviceID, env.SiteID, tokenHash); err != nil {
				return nil, nil, fmt.Errorf("ingest: auto-provision: %w", err)
			}
			entry = &store.RegistryEntry{
				TenantID:           tenantID,
				DeviceID:           deviceID,
				SiteID:             env.SiteID,
				Status:             store.DeviceActive,
				ProvisionTokenHash: tokenHash,
			}
		}
		auth = kernel.DeviceAuth{SiteID: entry.SiteID, Status: entry.Status, TokenHash: entry.ProvisionTokenHash}
		p.cache.Put(tenantID, deviceID, auth)
	}

	if auth.Status != store.DeviceActive {
		return nil, reject(ReasonDeviceRevoked, auth.Status), nil
	}
	if env.SiteID != auth.SiteID {
		return nil, reject(ReasonSiteMismatch, env.SiteID), nil
	}
	if p.requireToken {
		switch {
		case env.ProvisionToken == "":
			return nil, reject(ReasonTokenMissing, ""), nil
		case auth.TokenHash == "":
			return nil, reject(ReasonTokenNotSet, ""), nil
		case store.HashToken(env.ProvisionToken) != auth.TokenHash:
			return nil, reject(ReasonTokenInvalid, ""), nil
		}
	}

	now := p.clock().UTC()
	return &store.TelemetryRecord{
		Time:       parseTimestamp(env.TS, now),
		TenantID:   tenantID,
		DeviceID:   deviceID,
		SiteID:     env.SiteID,
		MsgType:    msgType,
		Seq:        env.Seq,
		Metrics:    metrics,
		IngestedAt: now,
	}, nil, nil
}

// parseTopic validates tenant/<tenant_id>/device/<device_id>/<msg_type>.
// A non-empty detail means the topic is malformed.
func parseTopic(topic string) (tenantID, deviceID, msgType, detail string) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return "", "", "", fmt.Sprintf("%d segments", len(parts))
	}
	if parts[0] != "tenant" || parts[2] != "device" {
		return "", "", "", "bad literal segments"
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", "", "empty identifier"
	}
	if parts[4] != store.MsgTelemetry && parts[4] != store.MsgHeartbeat {
		return "", "", "", "unknown message type " + parts[4]
	}
	return parts[1], parts[3], parts[4], ""
}

// normalizeMetrics NFC-normalizes the metric keys and enforces the map
// limits. Values pass through untouched.
func normalizeMetrics(raw map[string]float64) (map[string]float64, string, string) {
	if len(raw) > maxMetricKeys {
		return nil, ReasonTooManyMetrics, fmt.Sprintf("%d keys", len(raw))
	}
	metrics := make(map[string]float64, len(raw))
	for key, value := range raw {
		key = norm.NFC.String(key)
		if len(key) > maxMetricKeyLen {
			return nil, ReasonMetricKeyTooLong, fmt.Sprintf("%d bytes", len(key))
		}
		for _, r := range key {
			if unicode.IsControl(r) {
				return nil, ReasonMetricKeyInvalid, "control character in key"
			}
		}
		metrics[key] = value
	}
	return metrics, "", ""
}

// parseTimestamp accepts RFC 3339 with or without an offset; a missing
// offset means UTC. Anything unparseable falls back to the arrival
// time, which ingested_at preserves regardless.
func parseTimestamp(ts string, fallback time.Time) time.Time {
	if ts == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, ts, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
