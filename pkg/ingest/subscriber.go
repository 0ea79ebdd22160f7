package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/pulseiot/pulse/pkg/config"
)

// Subscriber owns the broker connection. It subscribes to the telemetry
// topic filter on every (re-)connect — autopaho does not resubscribe on
// its own — and hands each inbound publish to the service callback.
type Subscriber struct {
	cfg     config.IngestConfig
	handler func(topic string, payload []byte)
	log     *slog.Logger

	cm *autopaho.ConnectionManager
}

func NewSubscriber(cfg config.IngestConfig, handler func(topic string, payload []byte), log *slog.Logger) *Subscriber {
	return &Subscriber{cfg: cfg, handler: handler, log: log}
}

// Run connects and blocks until ctx is cancelled. The connection
// manager reconnects on its own; a lost broker never returns an error
// here.
func (s *Subscriber) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", s.cfg.MQTTHost, s.cfg.MQTTPort))
	if err != nil {
		return fmt.Errorf("ingest: parse broker url: %w", err)
	}

	// Unique suffix so replicas sharing MQTT_CLIENT_ID do not evict
	// each other's sessions.
	clientID := s.cfg.MQTTClientID + "-" + uuid.NewString()[:8]

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.MQTTUsername,
		ConnectPassword: []byte(s.cfg.MQTTPassword),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.log.Info("mqtt connected", "host", s.cfg.MQTTHost, "port", s.cfg.MQTTPort)
			subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: s.cfg.MQTTTopic, QoS: 1},
				},
			}); err != nil {
				s.log.Error("mqtt subscribe failed", "topic", s.cfg.MQTTTopic, "error", err)
			} else {
				s.log.Info("mqtt subscribed", "topic", s.cfg.MQTTTopic)
			}
		},
		OnConnectError: func(err error) {
			s.log.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("ingest: mqtt connect: %w", err)
	}
	s.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("mqtt message handler panicked", "topic", pr.Packet.Topic, "panic", r)
				}
			}()
			s.handler(pr.Packet.Topic, pr.Packet.Payload)
		}()
		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.log.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := cm.Disconnect(closeCtx); err != nil {
		s.log.Debug("mqtt disconnect", "error", err)
	}
	return nil
}
