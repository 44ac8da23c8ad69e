// Package bridge builds the bridge once at startup and runs it: the poll
// loop and the HTTP control surface share one attribute client and one
// telemetry store.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/command"
	"github.com/chaz8081/birdbridge/internal/config"
	"github.com/chaz8081/birdbridge/internal/metrics"
	"github.com/chaz8081/birdbridge/internal/poller"
	"github.com/chaz8081/birdbridge/internal/publish"
	"github.com/chaz8081/birdbridge/internal/server"
	"github.com/chaz8081/birdbridge/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Bridge holds every long-lived component.
type Bridge struct {
	cfg     *config.Config
	client  *ble.Client
	store   *telemetry.Store
	metrics *metrics.Metrics
	poller  *poller.Poller
	gateway *command.Gateway
	server  *server.Server

	publisher *publish.Publisher // nil unless mqtt.broker is set
}

// Compile-time interface satisfaction check.
var _ server.Controller = (*Bridge)(nil)

// New wires the bridge from a validated config. Nothing touches the radio
// until Run.
func New(cfg *config.Config, adapter ble.Adapter, reg *prometheus.Registry) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	clock, err := cfg.Clock.Clock()
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	m := metrics.New(reg)
	store := telemetry.NewStore()
	attrs := cfg.Attributes

	client, err := ble.NewClient(adapter, cfg.Peripheral.Address, ble.ClientOptions{
		ServiceUUID:    cfg.Peripheral.ServiceUUID,
		Attributes:     attrs.All(),
		ConnectTimeout: cfg.Peripheral.ConnectTimeout,
		OpTimeout:      cfg.Peripheral.OpTimeout,
		Observe:        m.ObserveOp,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	p, err := poller.New(poller.Config{
		Mode:        poller.Mode(cfg.Poll.Mode),
		Interval:    cfg.Poll.Interval,
		Backoff:     cfg.Poll.Backoff,
		MaxBackoff:  cfg.Poll.MaxBackoff,
		Temperature: attrs.Temperature,
		Humidity:    attrs.Humidity,
		Events: [telemetry.NumEvents]string{
			telemetry.Water: attrs.WaterEvent,
			telemetry.Feed:  attrs.FeedEvent,
		},
	}, client, store, m)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	pump := func(a config.ActuatorConfig) command.ActuatorBinding {
		return command.ActuatorBinding{
			Attribute:  attrs.PumpControl,
			Encoding:   a.Encoding(),
			Mode:       a.WriteMode(),
			Stamp:      attrs.WaterEvent,
			StampEvent: telemetry.Water,
		}
	}
	feed := cfg.Events.Feed
	gw, err := command.NewGateway(command.Config{
		Actuators: map[telemetry.Actuator]command.ActuatorBinding{
			telemetry.PumpIn:  pump(cfg.Actuators.PumpIn),
			telemetry.PumpOut: pump(cfg.Actuators.PumpOut),
			telemetry.Light: {
				Attribute: attrs.LightControl,
				Encoding:  cfg.Actuators.Light.Encoding(),
				Mode:      cfg.Actuators.Light.WriteMode(),
			},
		},
		Events: map[telemetry.Event]command.EventBinding{
			telemetry.Water: {Attribute: attrs.WaterEvent},
			telemetry.Feed: {
				Attribute:     attrs.FeedEvent,
				Trigger:       attrs.ManualFeed,
				Value:         feed.Value,
				Mode:          feed.WriteMode(),
				ReadbackDelay: feed.ReadbackDelay,
			},
		},
	}, client, store, m)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	b := &Bridge{
		cfg:     cfg,
		client:  client,
		store:   store,
		metrics: m,
		poller:  p,
		gateway: gw,
	}
	b.server = server.New(b, server.Options{
		Clock:          clock,
		CommandTimeout: cfg.HTTP.CommandTimeout,
		Metrics:        m.Handler(),
	})

	if cfg.MQTT.Enabled() {
		b.publisher, err = publish.New(publish.Config{
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Interval: cfg.MQTT.Interval,
		}, publish.NewMQTTClient(cfg.MQTT.Broker, cfg.MQTT.ClientID), store.Snapshot, func(s telemetry.Snapshot) any {
			return server.Render(s, clock)
		})
		if err != nil {
			return nil, fmt.Errorf("bridge: %w", err)
		}
	}
	return b, nil
}

// Snapshot returns the latest telemetry.
func (b *Bridge) Snapshot() telemetry.Snapshot {
	return b.store.Snapshot()
}

// SetActuator forwards to the command gateway.
func (b *Bridge) SetActuator(ctx context.Context, a telemetry.Actuator, on bool) error {
	return b.gateway.SetActuator(ctx, a, on)
}

// TriggerEvent forwards to the command gateway.
func (b *Bridge) TriggerEvent(ctx context.Context, e telemetry.Event) (telemetry.EventTime, error) {
	return b.gateway.TriggerEvent(ctx, e)
}

// Handler returns the HTTP control surface.
func (b *Bridge) Handler() http.Handler {
	return b.server.Handler()
}

// Run serves HTTP and runs the poll loop until ctx is cancelled or the
// listener fails. The peripheral connection is always released on return.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", b.cfg.HTTP.Addr, err)
	}
	return b.serve(ctx, ln)
}

func (b *Bridge) serve(ctx context.Context, ln net.Listener) error {
	defer func() {
		if err := b.client.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect on shutdown", "error", err)
		}
		b.store.SetConnected(false)
		b.metrics.SetConnected(false)
	}()

	srv := &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.poller.Run(gctx)
	})
	if b.publisher != nil {
		g.Go(func() error {
			return b.publisher.Run(gctx)
		})
	}
	g.Go(func() error {
		slog.Info("[HTTP] listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
