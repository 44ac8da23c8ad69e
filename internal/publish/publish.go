// Package publish mirrors the status snapshot to an MQTT broker as a
// retained message, so dashboards see the coop state without polling HTTP.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/birdbridge/internal/telemetry"
)

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config holds publisher settings.
type Config struct {
	Topic    string
	QoS      byte
	Interval time.Duration // how often the snapshot is checked for changes
	Timeout  time.Duration // bound on connect and on each publish
}

// Publisher sends a snapshot whenever its sequence number moves.
type Publisher struct {
	cfg      Config
	client   Client
	snapshot func() telemetry.Snapshot
	render   func(telemetry.Snapshot) any
}

// New creates a publisher. render turns a snapshot into the JSON body.
func New(cfg Config, client Client, snapshot func() telemetry.Snapshot, render func(telemetry.Snapshot) any) (*Publisher, error) {
	if client == nil || snapshot == nil || render == nil {
		return nil, errors.New("publish: client, snapshot and render are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("publish: topic required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("publish: invalid qos %d", cfg.QoS)
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("publish: interval must be > 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Publisher{cfg: cfg, client: client, snapshot: snapshot, render: render}, nil
}

// NewMQTTClient builds an auto-reconnecting paho client for broker.
func NewMQTTClient(broker, clientID string) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[MQTT] connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("[MQTT] connected", "broker", broker)
	})
	return mqtt.NewClient(opts)
}

// Run publishes until ctx is cancelled. Broker failures are logged and
// retried on the next change; they never stop the bridge.
func (p *Publisher) Run(ctx context.Context) error {
	if tok := p.client.Connect(); tok.WaitTimeout(p.cfg.Timeout) && tok.Error() != nil {
		slog.Warn("[MQTT] connect failed, retrying in background", "error", tok.Error())
	}
	defer p.client.Disconnect(250)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var last uint64
	published := false
	for {
		snap := p.snapshot()
		if !published || snap.Seq != last {
			if err := p.PublishOnce(snap); err != nil {
				slog.Warn("[MQTT] publish failed", "topic", p.cfg.Topic, "seq", snap.Seq, "error", err)
			} else {
				last, published = snap.Seq, true
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PublishOnce sends snap as a retained message.
func (p *Publisher) PublishOnce(snap telemetry.Snapshot) error {
	payload, err := json.Marshal(p.render(snap))
	if err != nil {
		return fmt.Errorf("publish: encode: %w", err)
	}
	tok := p.client.Publish(p.cfg.Topic, p.cfg.QoS, true, payload)
	if !tok.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish: %s: timed out after %s", p.cfg.Topic, p.cfg.Timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish: %s: %w", p.cfg.Topic, err)
	}
	slog.Debug("[MQTT] published", "topic", p.cfg.Topic, "seq", snap.Seq)
	return nil
}
