// Package mqttingest feeds measurement batches published on an MQTT broker into
// the ingestion service.
package mqttingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"beaconmap/telemetry-server/internal/model"
)

const (
	DefaultTopic = "beacons/+/measurements"

	connectTimeout       = 30 * time.Second
	connectRetryInterval = 5 * time.Second
	subscribeTimeout     = 10 * time.Second
	disconnectQuiesce    = 250
)

// Ingester processes one raw batch.
type Ingester interface {
	Ingest(ctx context.Context, source string, body []byte) (*model.IngestResponse, error)
}

// Config configures the subscriber.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// Subscriber consumes batches from a broker topic.
type Subscriber struct {
	cfg      Config
	ingester Ingester
	logger   *slog.Logger
}

// New returns a subscriber; Run connects it.
func New(cfg Config, ingester Ingester, logger *slog.Logger) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("beaconmap-ingest-%d", time.Now().UnixNano())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{cfg: cfg, ingester: ingester, logger: logger}
}

// Run connects to the broker, subscribes, and blocks until ctx is cancelled.
// An unreachable broker is retried in the background; only a connect attempt
// that fails for good is returned as an error.
func (s *Subscriber) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		s.HandleMessage(ctx, msg.Topic(), msg.Payload())
	}

	// subscriptions do not survive a clean-session reconnect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log := s.logger.With("broker", s.cfg.Broker, "client_id", s.cfg.ClientID, "topic", s.cfg.Topic, "qos", s.cfg.QoS)
		log.Info("mqtt connected, subscribing")

		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, handler)
		if !token.WaitTimeout(subscribeTimeout) {
			log.Error("mqtt subscribe timed out")
			return
		}
		if err := token.Error(); err != nil {
			log.Error("mqtt subscribe failed", "error", err)
			return
		}
		log.Info("mqtt subscribed")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID, "error", err)
	})

	client := mqtt.NewClient(opts)
	s.logger.Info("mqtt connecting", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)
	token := client.Connect()

	select {
	case <-ctx.Done():
	case <-token.Done():
		if err := token.Error(); err != nil {
			client.Disconnect(disconnectQuiesce)
			return fmt.Errorf("mqtt connect: %w", err)
		}
		<-ctx.Done()
	}

	client.Disconnect(disconnectQuiesce)
	s.logger.Info("mqtt subscriber stopped")
	return nil
}

// HandleMessage ingests one published payload and logs its outcome.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) {
	resp, err := s.ingester.Ingest(ctx, "mqtt", payload)
	if err != nil {
		s.logger.Warn("mqtt batch rejected", "topic", topic, "error", err)
		return
	}

	s.logger.Info("mqtt batch ingested",
		"topic", topic,
		"inserted", resp.MeasurementsInserted,
		"skipped", resp.MeasurementsSkipped,
		"errors", len(resp.Errors),
	)
}
