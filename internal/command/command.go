// Package command turns operator intent into writes on the peripheral.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/ble/protocol"
	"github.com/chaz8081/birdbridge/internal/metrics"
	"github.com/chaz8081/birdbridge/internal/telemetry"
)

var (
	ErrUnknownActuator = errors.New("command: unknown actuator")
	ErrUnknownEvent    = errors.New("command: unknown event")
	// ErrNoTrigger is returned for events the peripheral records on its own.
	ErrNoTrigger = errors.New("command: event has no trigger")
)

// Client is the subset of the attribute client the gateway writes through.
type Client interface {
	Read(ctx context.Context, attr string) ([]byte, error)
	Write(ctx context.Context, attr string, data []byte, mode ble.WriteMode) error
}

// ActuatorBinding maps one actuator onto its characteristic.
type ActuatorBinding struct {
	Attribute string
	Encoding  protocol.ActuatorEncoding
	Mode      ble.WriteMode

	// Stamp, if set, is an event timestamp attribute the peripheral
	// refreshes on every command to this actuator. It is read back after
	// a successful write; a failed read-back only gets logged.
	Stamp      string
	StampEvent telemetry.Event
}

// EventBinding maps one event onto its timestamp and trigger attributes.
type EventBinding struct {
	Attribute     string // timestamp attribute
	Trigger       string // "" if the event cannot be triggered
	Value         byte
	Mode          ble.WriteMode
	ReadbackDelay time.Duration
}

// Config holds every binding the gateway knows.
type Config struct {
	Actuators map[telemetry.Actuator]ActuatorBinding
	Events    map[telemetry.Event]EventBinding
}

// Gateway executes actuator and event commands. Safe for concurrent use;
// wire access is serialized by the client.
type Gateway struct {
	cfg     Config
	client  Client
	store   *telemetry.Store
	metrics *metrics.Metrics
}

// NewGateway creates a gateway. Bindings are validated up front.
func NewGateway(cfg Config, client Client, store *telemetry.Store, m *metrics.Metrics) (*Gateway, error) {
	if client == nil || store == nil || m == nil {
		return nil, errors.New("command: client, store and metrics are required")
	}
	for a, b := range cfg.Actuators {
		if b.Attribute == "" {
			return nil, fmt.Errorf("command: actuator %s has no attribute", a)
		}
		if err := b.Encoding.Validate(); err != nil {
			return nil, fmt.Errorf("command: actuator %s: %w", a, err)
		}
	}
	for e, b := range cfg.Events {
		if b.Attribute == "" {
			return nil, fmt.Errorf("command: event %s has no attribute", e)
		}
		if b.ReadbackDelay < 0 {
			return nil, fmt.Errorf("command: event %s: negative read-back delay", e)
		}
	}
	return &Gateway{cfg: cfg, client: client, store: store, metrics: m}, nil
}

// SetActuator drives a to the requested state. The store is only updated
// once the write has been confirmed; repeating a call repeats the same write.
func (g *Gateway) SetActuator(ctx context.Context, a telemetry.Actuator, on bool) (err error) {
	b, ok := g.cfg.Actuators[a]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActuator, a)
	}
	defer func() { g.metrics.Command(a.String(), err) }()

	payload := b.Encoding.Encode(on)
	if err := g.client.Write(ctx, b.Attribute, payload, b.Mode); err != nil {
		slog.Warn("[CMD] actuator write failed", "actuator", a, "on", on, "error", err)
		return fmt.Errorf("command: set %s %s: %w", a, state(on), err)
	}
	g.store.SetActuator(a, on)
	slog.Info("[CMD] actuator set", "actuator", a, "state", state(on), "payload", fmt.Sprintf("%#x", payload))

	if b.Stamp != "" {
		g.readStamp(ctx, b.StampEvent, b.Stamp)
	}
	return nil
}

func (g *Gateway) readStamp(ctx context.Context, e telemetry.Event, attr string) {
	data, err := g.client.Read(ctx, attr)
	if err != nil {
		slog.Warn("[CMD] event read-back failed", "event", e, "error", err)
		return
	}
	ts, ok := protocol.DecodeTimestamp(data)
	if !ok {
		g.metrics.DecodeFailure(e.String())
		slog.Warn("[CMD] discarding event read-back", "event", e, "len", len(data))
		return
	}
	g.store.SetEvent(e, ts)
}

// TriggerEvent fires e's one-shot trigger and reads the event time back.
// A read-back that does not decode still counts as success: the returned
// EventTime is invalid and the store keeps its previous value.
func (g *Gateway) TriggerEvent(ctx context.Context, e telemetry.Event) (et telemetry.EventTime, err error) {
	b, ok := g.cfg.Events[e]
	if !ok {
		return telemetry.EventTime{}, fmt.Errorf("%w: %s", ErrUnknownEvent, e)
	}
	if b.Trigger == "" {
		return telemetry.EventTime{}, fmt.Errorf("%w: %s", ErrNoTrigger, e)
	}
	defer func() { g.metrics.Command(e.String(), err) }()

	if err := g.client.Write(ctx, b.Trigger, protocol.EncodeTrigger(b.Value), b.Mode); err != nil {
		slog.Warn("[CMD] trigger write failed", "event", e, "error", err)
		return telemetry.EventTime{}, fmt.Errorf("command: trigger %s: %w", e, err)
	}
	slog.Info("[CMD] event triggered", "event", e)

	// the peripheral stamps the event once it has acted; wait outside the
	// client gate so polling continues meanwhile
	if b.ReadbackDelay > 0 {
		t := time.NewTimer(b.ReadbackDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return telemetry.EventTime{}, fmt.Errorf("command: trigger %s: waiting for read-back: %w", e, ctx.Err())
		case <-t.C:
		}
	}

	data, err := g.client.Read(ctx, b.Attribute)
	if err != nil {
		return telemetry.EventTime{}, fmt.Errorf("command: trigger %s: read-back: %w", e, err)
	}
	ts, ok := protocol.DecodeTimestamp(data)
	if !ok {
		g.metrics.DecodeFailure(e.String())
		slog.Warn("[CMD] discarding event read-back", "event", e, "len", len(data))
		return telemetry.EventTime{}, nil
	}
	g.store.SetEvent(e, ts)
	return telemetry.EventTime{Timestamp: ts, Valid: true}, nil
}

func state(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
