package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Notification channels. Postgres NOTIFY is a latency hint only; every
// consumer also runs a fallback poll, so a dropped notification delays
// work but never loses it.
const (
	ChannelTelemetryInserted = "telemetry_inserted"
	ChannelNewFleetAlert     = "new_fleet_alert"
	ChannelNewDeliveryJob    = "new_delivery_job"
)

// Notifier publishes wake hints over the shared database connection.
type Notifier struct {
	db *sql.DB
}

func NewNotifier(db *sql.DB) *Notifier {
	return &Notifier{db: db}
}

// Notify sends one payload on a channel.
func (n *Notifier) Notify(ctx context.Context, channel, payload string) error {
	_, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return fmt.Errorf("store: failed to notify %s: %w", channel, err)
	}
	return nil
}

// NotifyTelemetry hints the evaluator with the tenant set an insert
// batch touched.
func (n *Notifier) NotifyTelemetry(ctx context.Context, tenantIDs []string) error {
	payload, err := json.Marshal(struct {
		TenantIDs []string `json:"tenant_ids"`
	}{TenantIDs: tenantIDs})
	if err != nil {
		return fmt.Errorf("store: failed to encode telemetry hint: %w", err)
	}
	return n.Notify(ctx, ChannelTelemetryInserted, string(payload))
}

// TelemetryHint is the payload of a telemetry_inserted notification.
type TelemetryHint struct {
	TenantIDs []string `json:"tenant_ids"`
}

// NewListener opens a dedicated LISTEN connection subscribed to one
// channel. The caller owns Close. onEvent observes connection state
// changes; pass nil to ignore them.
func NewListener(dsn, channel string, onEvent pq.EventCallbackType) (*pq.Listener, error) {
	l := pq.NewListener(dsn, 2*time.Second, time.Minute, onEvent)
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("store: failed to listen on %s: %w", channel, err)
	}
	return l, nil
}

// Waker turns a notification stream plus a fallback timer into a
// single debounced wake callback. Notification bursts inside the
// debounce window coalesce into one wake carrying the last payload;
// the fallback tick guarantees progress when notifications stop
// arriving. A nil notification (listener reconnect) wakes too, since
// hints may have been missed while the connection was down.
type Waker struct {
	Notifications <-chan *pq.Notification
	Fallback      time.Duration
	Debounce      time.Duration

	// Ping, when set, is called periodically so a silent listener
	// connection gets its liveness checked. *pq.Listener.Ping fits.
	Ping func() error
}

// Run blocks until ctx is done, invoking fn once per wake with the
// coalesced notification payload (empty for timer wakes).
func (w *Waker) Run(ctx context.Context, fn func(ctx context.Context, payload string)) {
	ticker := time.NewTicker(w.Fallback)
	defer ticker.Stop()

	pingEvery := 90 * time.Second
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-w.Notifications:
			payload := ""
			if n != nil {
				payload = n.Extra
			}
			payload = w.drain(ctx, payload)
			if ctx.Err() != nil {
				return
			}
			fn(ctx, payload)
		case <-ticker.C:
			fn(ctx, "")
		case <-ping.C:
			if w.Ping != nil {
				go func() { _ = w.Ping() }()
			}
		}
	}
}

// drain waits out the debounce window, keeping only the newest payload
// from any further notifications that arrive inside it.
func (w *Waker) drain(ctx context.Context, payload string) string {
	if w.Debounce <= 0 {
		return payload
	}
	timer := time.NewTimer(w.Debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return payload
		case n := <-w.Notifications:
			if n != nil {
				payload = n.Extra
			}
		case <-timer.C:
			return payload
		}
	}
}
