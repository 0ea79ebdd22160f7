package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseiot/pulse/pkg/config"
	"github.com/pulseiot/pulse/pkg/store"
)

var webhookNow = time.Date(2025, 7, 14, 10, 30, 0, 0, time.UTC)

func devWebhookChannel() *webhookChannel {
	return &webhookChannel{
		guard:  NewEgressGuard(config.ModeDev),
		client: &http.Client{Timeout: 5 * time.Second},
		now:    func() time.Time { return webhookNow },
	}
}

func webhookIntegration(cfgJSON string) *store.Integration {
	return &store.Integration{
		ID:       "int-1",
		TenantID: "tenant-1",
		Kind:     "webhook",
		Enabled:  true,
		Config:   json.RawMessage(cfgJSON),
	}
}

func TestWebhookSend_Success(t *testing.T) {
	var gotBody []byte
	var gotContentType, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Env")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job := testAlertJob(t, store.EventOpen)
	in := webhookIntegration(`{"url":"` + srv.URL + `/hook","headers":{"X-Env":"prod"}}`)

	status, err := devWebhookChannel().send(context.Background(), job, in)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, http.StatusNoContent, *status)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "prod", gotCustom)
	assert.JSONEq(t, string(job.Payload), string(gotBody))
}

func TestWebhookSend_NonSuccessStatus(t *testing.T) {
	for _, code := range []int{http.StatusServiceUnavailable, http.StatusNotFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))

		job := testAlertJob(t, store.EventOpen)
		status, err := devWebhookChannel().send(context.Background(), job, webhookIntegration(`{"url":"`+srv.URL+`"}`))
		require.Error(t, err)
		assert.Equal(t, "http_"+strconv.Itoa(code), err.Error())
		require.NotNil(t, status)
		assert.Equal(t, code, *status)
		srv.Close()
	}
}

func TestWebhookSend_MissingURL(t *testing.T) {
	job := testAlertJob(t, store.EventOpen)
	status, err := devWebhookChannel().send(context.Background(), job, webhookIntegration(`{}`))
	assert.Nil(t, status)
	require.Error(t, err)
	assert.Equal(t, "missing_url", err.Error())
}

func TestWebhookSend_MetadataProbeBlocked(t *testing.T) {
	ch := &webhookChannel{
		guard:  NewEgressGuard(config.ModeProd),
		client: &http.Client{Timeout: time.Second},
		now:    func() time.Time { return webhookNow },
	}
	job := testAlertJob(t, store.EventOpen)
	status, err := ch.send(context.Background(), job, webhookIntegration(`{"url":"http://169.254.169.254/latest/meta-data"}`))
	assert.Nil(t, status)
	require.Error(t, err)
	assert.Equal(t, "url_blocked:blocked_ip:169.254.169.254", err.Error())
}

func TestWebhookSend_SignsCanonicalBody(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Pulse-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := testAlertJob(t, store.EventOpen)
	in := webhookIntegration(`{"url":"` + srv.URL + `","secret":"s3cret-7"}`)

	_, err := devWebhookChannel().send(context.Background(), job, in)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(gotSig, "sha256="))

	// Receiver side: derive the same key, canonicalize what arrived,
	// recompute.
	key, err := deriveWebhookKey("s3cret-7", "tenant-1")
	require.NoError(t, err)
	canonical, err := jcs.Transform(gotBody)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestWebhookSend_BearerJWT(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := testAlertJob(t, store.EventOpen)
	in := webhookIntegration(`{"url":"` + srv.URL + `","secret":"s3cret-7","auth":"bearer_jwt"}`)

	_, err := devWebhookChannel().send(context.Background(), job, in)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))

	key, err := deriveWebhookKey("s3cret-7", "tenant-1")
	require.NoError(t, err)
	parsed, err := jwt.Parse(strings.TrimPrefix(gotAuth, "Bearer "),
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer("pulse"),
		jwt.WithTimeFunc(func() time.Time { return webhookNow }))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, u.Host, claims["aud"])
	assert.Equal(t, "job-1", claims["jti"])
	assert.Equal(t, "tenant-1", claims["tenant_id"])
	assert.Equal(t, "alert-1", claims["alert_id"])
	assert.Equal(t, store.EventOpen, claims["event"])
	assert.Equal(t, float64(webhookNow.Add(5*time.Minute).Unix()), claims["exp"])
}

func TestWebhookSend_BearerJWTRequiresSecret(t *testing.T) {
	job := testAlertJob(t, store.EventOpen)
	status, err := devWebhookChannel().send(context.Background(), job,
		webhookIntegration(`{"url":"https://hooks.example.com/h","auth":"bearer_jwt"}`))
	assert.Nil(t, status)
	require.Error(t, err)
	assert.Equal(t, "missing_secret", err.Error())
}
