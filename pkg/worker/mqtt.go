package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/pulseiot/pulse/pkg/store"
)

// mqttChannel publishes the job payload to a broker topic rendered
// from the integration's topic template. Deliveries are sparse, so it
// dials per send instead of holding a connection open.
type mqttChannel struct {
	brokerURL string
	log       *slog.Logger
}

func (c *mqttChannel) send(ctx context.Context, job *store.DeliveryJob, in *store.Integration) (*int, error) {
	cfg := mqttConfig{QoS: 1}
	if err := decodeConfig("mqtt", in.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.TopicTemplate == "" {
		return nil, errors.New("missing_topic_template")
	}
	view, digest, err := decodePayload(job)
	if err != nil {
		return nil, err
	}
	topic := renderTemplate(cfg.TopicTemplate, templateVars(job, view, digest))

	brokerURL, err := url.Parse(c.brokerURL)
	if err != nil {
		return nil, fmt.Errorf("bad_broker_url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectError: func(err error) {
			c.log.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "pulse-worker-" + uuid.NewString()[:8],
		},
	}
	if u := brokerURL.User; u != nil {
		pahoCfg.ConnectUsername = u.Username()
		if pw, ok := u.Password(); ok {
			pahoCfg.ConnectPassword = []byte(pw)
		}
	}
	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls":
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt_connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = cm.Disconnect(closeCtx)
	}()

	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, fmt.Errorf("mqtt_connect: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: job.Payload,
		QoS:     byte(cfg.QoS),
		Retain:  cfg.Retain,
	}); err != nil {
		return nil, fmt.Errorf("mqtt_publish: %w", err)
	}
	return nil, nil
}
