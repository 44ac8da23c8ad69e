// Package poller keeps the telemetry store fed from the peripheral. It is the
// only place that reconnects after the link is lost.
package poller

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

// Client abstracts the attribute operations the poller needs.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Read(ctx context.Context, attr string) ([]byte, error)
	Subscribe(ctx context.Context, attr string, fn func(data []byte)) error
}

// Mode selects how values reach the store.
type Mode string

const (
	ModePoll   Mode = "poll"   // read every attribute once per interval
	ModeNotify Mode = "notify" // subscribe after connect, then only watch the link
)

// Config is the runtime config the poller needs.
type Config struct {
	Mode       Mode
	Interval   time.Duration
	Backoff    time.Duration // delay after the first failed connect
	MaxBackoff time.Duration // cap; equal to Backoff gives a fixed delay

	Temperature string
	Humidity    string
	Events      [telemetry.NumEvents]string // event timestamp attributes; "" skips
}

// source is one attribute the poller mirrors into the store.
type source struct {
	name   string
	attr   string
	decode func(data []byte) (func(*telemetry.Snapshot), error)
}

// Poller drives the connect / read / sleep cycle.
type Poller struct {
	cfg     Config
	client  Client
	store   *telemetry.Store
	metrics *metrics.Metrics
	sources []source
}

// New creates a poller with immutable config.
func New(cfg Config, client Client, store *telemetry.Store, m *metrics.Metrics) (*Poller, error) {
	if client == nil || store == nil || m == nil {
		return nil, errors.New("poller: client, store and metrics are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePoll
	}
	if cfg.Mode != ModePoll && cfg.Mode != ModeNotify {
		return nil, fmt.Errorf("poller: unknown mode %q", cfg.Mode)
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if cfg.Backoff <= 0 {
		return nil, errors.New("poller: backoff must be > 0")
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.Temperature == "" || cfg.Humidity == "" {
		return nil, errors.New("poller: temperature and humidity attributes required")
	}

	p := &Poller{cfg: cfg, client: client, store: store, metrics: m}
	p.sources = append(p.sources,
		source{name: "temperature", attr: cfg.Temperature, decode: readingDecoder(protocol.UnitCelsius, func(s *telemetry.Snapshot) *telemetry.Measurement { return &s.Temperature })},
		source{name: "humidity", attr: cfg.Humidity, decode: readingDecoder(protocol.UnitRelativeHumidity, func(s *telemetry.Snapshot) *telemetry.Measurement { return &s.Humidity })},
	)
	for e := telemetry.Event(0); e < telemetry.NumEvents; e++ {
		if cfg.Events[e] == "" {
			continue
		}
		p.sources = append(p.sources, source{name: e.String(), attr: cfg.Events[e], decode: eventDecoder(e)})
	}
	return p, nil
}

func readingDecoder(unit protocol.Unit, field func(*telemetry.Snapshot) *telemetry.Measurement) func([]byte) (func(*telemetry.Snapshot), error) {
	return func(data []byte) (func(*telemetry.Snapshot), error) {
		r, err := protocol.DecodeReading(data, unit)
		if err != nil {
			return nil, err
		}
		return func(s *telemetry.Snapshot) {
			*field(s) = telemetry.Measurement{Reading: r, Valid: true}
		}, nil
	}
}

func eventDecoder(e telemetry.Event) func([]byte) (func(*telemetry.Snapshot), error) {
	return func(data []byte) (func(*telemetry.Snapshot), error) {
		ts, ok := protocol.DecodeTimestamp(data)
		if !ok {
			return nil, fmt.Errorf("%w: timestamp is %d bytes, want %d", protocol.ErrMalformedPayload, len(data), protocol.TimestampLen)
		}
		return func(s *telemetry.Snapshot) {
			s.Events[e] = telemetry.EventTime{Timestamp: ts, Valid: true}
		}, nil
	}
}

// backoffDelay returns the reconnect delay after the given number of
// consecutive failures (1-based), doubling from base and capped at max.
func backoffDelay(failures int, base, max time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// Run loops until ctx is cancelled. Connection failures are retried
// forever with backoff; it returns nil once ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("[POLL] starting", "mode", p.cfg.Mode, "interval", p.cfg.Interval, "backoff", p.cfg.Backoff)
	defer slog.Info("[POLL] stopped")

	failures := 0
	for ctx.Err() == nil {
		seed := false
		if !p.client.Connected() {
			p.markDisconnected()

			err := p.client.Connect(ctx)
			p.metrics.ConnectAttempt(err)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failures++
				delay := backoffDelay(failures, p.cfg.Backoff, p.cfg.MaxBackoff)
				slog.Warn("[POLL] connect failed", "error", err, "attempt", failures, "retry_in", delay)
				if !sleep(ctx, delay) {
					return nil
				}
				continue
			}
			if failures > 0 {
				slog.Info("[POLL] reconnected", "attempts", failures+1)
			}
			failures = 0
			p.store.SetConnected(true)
			p.metrics.SetConnected(true)

			if p.cfg.Mode == ModeNotify {
				if err := p.subscribe(ctx); err != nil {
					p.lost(ctx, err)
					continue
				}
			}
			seed = true
		}

		if p.cfg.Mode == ModePoll || seed {
			if err := p.PollOnce(ctx); err != nil {
				p.lost(ctx, err)
				continue
			}
		}

		if !sleep(ctx, p.cfg.Interval) {
			return nil
		}
	}
	return nil
}

// PollOnce performs exactly one read cycle. Reads are all-or-nothing: a
// failed read aborts the cycle without touching the store. Payloads that
// do not decode are logged and counted, and their field keeps its value.
// Everything that did decode is committed in one atomic update.
func (p *Poller) PollOnce(ctx context.Context) error {
	payloads := make([][]byte, len(p.sources))
	for i, src := range p.sources {
		data, err := p.client.Read(ctx, src.attr)
		if err != nil {
			return fmt.Errorf("poller: read %s: %w", src.name, err)
		}
		payloads[i] = data
	}

	apply := make([]func(*telemetry.Snapshot), 0, len(p.sources))
	for i, src := range p.sources {
		fn, err := src.decode(payloads[i])
		if err != nil {
			p.decodeFailed(src, err)
			continue
		}
		apply = append(apply, fn)
	}

	snap := p.store.Update(func(s *telemetry.Snapshot) {
		s.Connected = true
		for _, fn := range apply {
			fn(s)
		}
	})
	p.metrics.PollCycle(metrics.ResultOK)
	slog.Debug("[POLL] cycle committed", "seq", snap.Seq, "fields", len(apply))
	return nil
}

// subscribe enables notifications on every source. Each notification
// updates its own field under the same decode rules as a poll cycle.
func (p *Poller) subscribe(ctx context.Context) error {
	for _, src := range p.sources {
		src := src
		err := p.client.Subscribe(ctx, src.attr, func(data []byte) {
			fn, err := src.decode(data)
			if err != nil {
				p.decodeFailed(src, err)
				return
			}
			p.store.Update(fn)
		})
		if err != nil {
			return fmt.Errorf("poller: subscribe %s: %w", src.name, err)
		}
	}
	slog.Info("[POLL] subscribed", "attributes", len(p.sources))
	return nil
}

func (p *Poller) decodeFailed(src source, err error) {
	p.metrics.DecodeFailure(src.name)
	slog.Warn("[POLL] discarding payload", "attribute", src.name, "error", err)
}

// lost releases the link after a failed cycle so the next iteration
// takes the reconnect branch.
func (p *Poller) lost(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	res := metrics.ResultError
	if errors.Is(err, ble.ErrTransport) {
		res = metrics.ResultTransport
	}
	p.metrics.PollCycle(res)
	slog.Warn("[POLL] cycle failed, dropping link", "error", err)

	if derr := p.client.Disconnect(); derr != nil {
		slog.Debug("[POLL] disconnect", "error", derr)
	}
	p.markDisconnected()
}

func (p *Poller) markDisconnected() {
	p.store.SetConnected(false)
	p.metrics.SetConnected(false)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
