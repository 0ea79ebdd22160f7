package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"

	"github.com/pulseiot/pulse/pkg/store"
)

// webhookKeyInfo pins the HKDF derivation so a future scheme can
// rotate the info string without breaking existing receivers.
const webhookKeyInfo = "pulse-webhook-v1"

// webhookChannel POSTs the job payload as JSON. With a secret
// configured it adds an HMAC signature over the canonical body, and
// optionally a short-lived bearer JWT; both keys derive from the same
// secret so rotating it rotates everything at once.
type webhookChannel struct {
	guard  *EgressGuard
	client *http.Client
	now    func() time.Time
}

func (c *webhookChannel) send(ctx context.Context, job *store.DeliveryJob, in *store.Integration) (*int, error) {
	var cfg webhookConfig
	if err := decodeConfig("webhook", in.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("missing_url")
	}
	if err := c.guard.CheckURL(ctx, cfg.URL); err != nil {
		return nil, errors.New("url_blocked:" + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return nil, errors.New("invalid_url")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	if cfg.Auth == "bearer_jwt" && cfg.Secret == "" {
		return nil, errors.New("missing_secret")
	}
	if cfg.Secret != "" {
		key, err := deriveWebhookKey(cfg.Secret, job.TenantID)
		if err != nil {
			return nil, err
		}
		sig, err := signBody(key, job.Payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Pulse-Signature", sig)
		if cfg.Auth == "bearer_jwt" {
			token, err := c.bearerToken(key, job, req.URL)
			if err != nil {
				return nil, fmt.Errorf("jwt_sign_failed: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	status := resp.StatusCode
	if status < 200 || status > 299 {
		return &status, fmt.Errorf("http_%d", status)
	}
	return &status, nil
}

// deriveWebhookKey stretches the shared secret into a per-tenant
// signing key. Receivers run the same derivation with their tenant id
// as salt.
func deriveWebhookKey(secret, tenantID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(tenantID), []byte(webhookKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key, nil
}

// signBody HMACs the RFC 8785 canonical form of the payload, so
// receivers verify against their own re-serialization rather than the
// exact bytes on the wire.
func signBody(key, payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", errors.New("bad_payload")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

func (c *webhookChannel) bearerToken(key []byte, job *store.DeliveryJob, u *url.URL) (string, error) {
	alertID := ""
	if job.AlertID != nil {
		alertID = *job.AlertID
	}
	now := c.now()
	claims := jwt.MapClaims{
		"iss":       "pulse",
		"aud":       u.Host,
		"jti":       job.ID,
		"iat":       now.Unix(),
		"exp":       now.Add(5 * time.Minute).Unix(),
		"tenant_id": job.TenantID,
		"alert_id":  alertID,
		"event":     job.DeliverOnEvent,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
