package command

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/ble/protocol"
	"github.com/chaz8081/birdbridge/internal/metrics"
	"github.com/chaz8081/birdbridge/internal/telemetry"
)

// ---- fake attribute client ----

type writeCall struct {
	attr string
	data []byte
	mode ble.WriteMode
}

type fakeClient struct {
	connected bool
	writes    []writeCall
	reads     []string
	values    map[string][]byte
	writeErr  error
	readErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, values: map[string][]byte{}}
}

func (f *fakeClient) Read(ctx context.Context, attr string) ([]byte, error) {
	if !f.connected {
		return nil, ble.ErrNotConnected
	}
	f.reads = append(f.reads, attr)
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.values[attr], nil
}

func (f *fakeClient) Write(ctx context.Context, attr string, data []byte, mode ble.WriteMode) error {
	if !f.connected {
		return ble.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, writeCall{attr: attr, data: append([]byte(nil), data...), mode: mode})
	return nil
}

// ---- helpers ----

const (
	attrPump   = "pump"
	attrLight  = "light"
	attrWater  = "water"
	attrFeed   = "feed"
	attrManual = "manual"
)

func testConfig() Config {
	return Config{
		Actuators: map[telemetry.Actuator]ActuatorBinding{
			telemetry.PumpIn:  {Attribute: attrPump, Encoding: protocol.ActuatorEncoding{On: 0x01, Off: 0x00}, Stamp: attrWater, StampEvent: telemetry.Water},
			telemetry.PumpOut: {Attribute: attrPump, Encoding: protocol.ActuatorEncoding{On: 0x11, Off: 0x10}, Stamp: attrWater, StampEvent: telemetry.Water},
			telemetry.Light:   {Attribute: attrLight, Encoding: protocol.ActuatorEncoding{On: 0x01, Off: 0x00}, Mode: ble.WriteWithoutResponse},
		},
		Events: map[telemetry.Event]EventBinding{
			telemetry.Water: {Attribute: attrWater},
			telemetry.Feed:  {Attribute: attrFeed, Trigger: attrManual, Value: 0x01},
		},
	}
}

func newTestGateway(t *testing.T, cfg Config, client Client) (*Gateway, *telemetry.Store) {
	t.Helper()
	store := telemetry.NewStore()
	g, err := NewGateway(cfg, client, store, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	return g, store
}

// ---- tests ----

func TestNewGatewayRejectsBadBindings(t *testing.T) {
	store := telemetry.NewStore()
	m := metrics.New(prometheus.NewRegistry())

	cfg := testConfig()
	cfg.Actuators[telemetry.Light] = ActuatorBinding{Attribute: attrLight, Encoding: protocol.ActuatorEncoding{On: 0x01, Off: 0x01}}
	if _, err := NewGateway(cfg, newFakeClient(), store, m); err == nil {
		t.Error("NewGateway() should reject identical on/off bytes")
	}

	cfg = testConfig()
	cfg.Events[telemetry.Feed] = EventBinding{Attribute: attrFeed, ReadbackDelay: -time.Second}
	if _, err := NewGateway(cfg, newFakeClient(), store, m); err == nil {
		t.Error("NewGateway() should reject a negative read-back delay")
	}

	if _, err := NewGateway(testConfig(), nil, store, m); err == nil {
		t.Error("NewGateway() should reject a nil client")
	}
}

func TestSetActuatorEncodesPerActuator(t *testing.T) {
	tests := []struct {
		actuator telemetry.Actuator
		on       bool
		attr     string
		want     []byte
		mode     ble.WriteMode
	}{
		{telemetry.PumpIn, true, attrPump, []byte{0x01}, ble.WriteWithResponse},
		{telemetry.PumpIn, false, attrPump, []byte{0x00}, ble.WriteWithResponse},
		{telemetry.PumpOut, true, attrPump, []byte{0x11}, ble.WriteWithResponse},
		{telemetry.PumpOut, false, attrPump, []byte{0x10}, ble.WriteWithResponse},
		{telemetry.Light, true, attrLight, []byte{0x01}, ble.WriteWithoutResponse},
	}
	for _, tt := range tests {
		t.Run(tt.actuator.String()+"_"+state(tt.on), func(t *testing.T) {
			client := newFakeClient()
			g, store := newTestGateway(t, testConfig(), client)

			if err := g.SetActuator(context.Background(), tt.actuator, tt.on); err != nil {
				t.Fatalf("SetActuator() error = %v", err)
			}
			if len(client.writes) != 1 {
				t.Fatalf("writes = %d, want 1", len(client.writes))
			}
			w := client.writes[0]
			if w.attr != tt.attr || !bytes.Equal(w.data, tt.want) || w.mode != tt.mode {
				t.Errorf("write = %+v, want %s %x %v", w, tt.attr, tt.want, tt.mode)
			}
			if got := store.Snapshot().Actuators[tt.actuator]; got != tt.on {
				t.Errorf("Actuators[%s] = %v, want %v", tt.actuator, got, tt.on)
			}
		})
	}
}

func TestSetActuatorIdempotent(t *testing.T) {
	client := newFakeClient()
	g, store := newTestGateway(t, testConfig(), client)

	for i := 0; i < 3; i++ {
		if err := g.SetActuator(context.Background(), telemetry.PumpOut, true); err != nil {
			t.Fatalf("SetActuator() #%d error = %v", i, err)
		}
	}
	for i, w := range client.writes {
		if !bytes.Equal(w.data, client.writes[0].data) || w.attr != client.writes[0].attr {
			t.Errorf("write #%d = %+v, differs from first write %+v", i, w, client.writes[0])
		}
	}
	snap := store.Snapshot()
	if !snap.Actuators[telemetry.PumpOut] || snap.Actuators[telemetry.PumpIn] || snap.Actuators[telemetry.Light] {
		t.Errorf("Actuators = %v, want only pump_out on", snap.Actuators)
	}
}

func TestSetActuatorNotConnected(t *testing.T) {
	client := newFakeClient()
	client.connected = false
	g, store := newTestGateway(t, testConfig(), client)

	err := g.SetActuator(context.Background(), telemetry.Light, true)
	if !errors.Is(err, ble.ErrNotConnected) {
		t.Fatalf("SetActuator() error = %v, want ErrNotConnected", err)
	}
	if snap := store.Snapshot(); snap.Actuators[telemetry.Light] || snap.Seq != 0 {
		t.Errorf("store changed after a failed command: %+v", snap)
	}
}

func TestSetActuatorTransportFailureLeavesState(t *testing.T) {
	client := newFakeClient()
	client.writeErr = &ble.TransportError{Op: "write", Attribute: attrPump, Err: context.DeadlineExceeded}
	g, store := newTestGateway(t, testConfig(), client)

	err := g.SetActuator(context.Background(), telemetry.PumpIn, true)
	if !errors.Is(err, ble.ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SetActuator() error = %v, want transport timeout", err)
	}
	if store.Snapshot().Actuators[telemetry.PumpIn] {
		t.Error("unconfirmed write must not update the store")
	}
}

func TestSetActuatorUnknown(t *testing.T) {
	client := newFakeClient()
	g, _ := newTestGateway(t, testConfig(), client)

	if err := g.SetActuator(context.Background(), telemetry.Actuator(9), true); !errors.Is(err, ErrUnknownActuator) {
		t.Errorf("SetActuator() error = %v, want ErrUnknownActuator", err)
	}
	if len(client.writes) != 0 {
		t.Errorf("writes = %d, want 0", len(client.writes))
	}
}

func TestSetActuatorPumpReadsBackWaterStamp(t *testing.T) {
	client := newFakeClient()
	client.values[attrWater] = protocol.EncodeTimestamp(protocol.Timestamp{Ticks: 777})
	g, store := newTestGateway(t, testConfig(), client)

	if err := g.SetActuator(context.Background(), telemetry.PumpIn, true); err != nil {
		t.Fatalf("SetActuator() error = %v", err)
	}
	if got := store.Snapshot().Events[telemetry.Water]; !got.Valid || got.Timestamp.Ticks != 777 {
		t.Errorf("Events[water] = %+v, want 777", got)
	}

	// a failed read-back does not fail the command
	client.readErr = errors.New("boom")
	if err := g.SetActuator(context.Background(), telemetry.PumpIn, false); err != nil {
		t.Fatalf("SetActuator() with failing read-back error = %v", err)
	}
	if store.Snapshot().Actuators[telemetry.PumpIn] {
		t.Error("pump_in should be off")
	}
}

func TestTriggerEvent(t *testing.T) {
	client := newFakeClient()
	client.values[attrFeed] = protocol.EncodeTimestamp(protocol.Timestamp{Ticks: 17_000_000_000_000_000})
	g, store := newTestGateway(t, testConfig(), client)

	et, err := g.TriggerEvent(context.Background(), telemetry.Feed)
	if err != nil {
		t.Fatalf("TriggerEvent() error = %v", err)
	}
	if !et.Valid || et.Timestamp.Ticks != 17_000_000_000_000_000 {
		t.Errorf("TriggerEvent() = %+v", et)
	}
	if len(client.writes) != 1 || client.writes[0].attr != attrManual || !bytes.Equal(client.writes[0].data, []byte{0x01}) {
		t.Errorf("writes = %+v, want one 0x01 to the manual trigger", client.writes)
	}
	if got := store.Snapshot().Events[telemetry.Feed]; got != et {
		t.Errorf("Events[feed] = %+v, want %+v", got, et)
	}
}

func TestTriggerEventMalformedReadback(t *testing.T) {
	client := newFakeClient()
	client.values[attrFeed] = make([]byte, 7)
	g, store := newTestGateway(t, testConfig(), client)
	store.SetEvent(telemetry.Feed, protocol.Timestamp{Ticks: 5})

	et, err := g.TriggerEvent(context.Background(), telemetry.Feed)
	if err != nil {
		t.Fatalf("TriggerEvent() error = %v, malformed read-back is not a failure", err)
	}
	if et.Valid {
		t.Errorf("TriggerEvent() = %+v, want unknown time", et)
	}
	if got := store.Snapshot().Events[telemetry.Feed]; got.Timestamp.Ticks != 5 {
		t.Errorf("Events[feed] = %+v, want previous value kept", got)
	}
}

func TestTriggerEventReadbackFailure(t *testing.T) {
	client := newFakeClient()
	client.readErr = &ble.TransportError{Op: "read", Attribute: attrFeed, Err: errors.New("link lost")}
	g, _ := newTestGateway(t, testConfig(), client)

	if _, err := g.TriggerEvent(context.Background(), telemetry.Feed); !errors.Is(err, ble.ErrTransport) {
		t.Errorf("TriggerEvent() error = %v, want transport failure", err)
	}
}

func TestTriggerEventWithoutTrigger(t *testing.T) {
	client := newFakeClient()
	g, _ := newTestGateway(t, testConfig(), client)

	if _, err := g.TriggerEvent(context.Background(), telemetry.Water); !errors.Is(err, ErrNoTrigger) {
		t.Errorf("TriggerEvent(water) error = %v, want ErrNoTrigger", err)
	}
	if _, err := g.TriggerEvent(context.Background(), telemetry.Event(5)); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("TriggerEvent(5) error = %v, want ErrUnknownEvent", err)
	}
	if len(client.writes) != 0 {
		t.Errorf("writes = %d, want 0", len(client.writes))
	}
}

func TestTriggerEventReadbackDelayHonoursContext(t *testing.T) {
	client := newFakeClient()
	cfg := testConfig()
	b := cfg.Events[telemetry.Feed]
	b.ReadbackDelay = time.Hour
	cfg.Events[telemetry.Feed] = b
	g, _ := newTestGateway(t, cfg, client)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.TriggerEvent(ctx, telemetry.Feed)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("TriggerEvent() error = %v, want deadline exceeded", err)
	}
	if len(client.reads) != 0 {
		t.Errorf("reads = %v, want none after the deadline", client.reads)
	}
}
