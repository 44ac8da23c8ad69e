package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/birdbridge/internal/telemetry"
)

// fakeToken is an already-completed token.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu          sync.Mutex
	publishErr  error
	messages    []message
	connects    int
	disconnects int
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.messages = append(c.messages, message{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func renderSeq(s telemetry.Snapshot) any {
	return map[string]any{"seq": s.Seq, "connected": s.Connected}
}

func TestNewValidation(t *testing.T) {
	store := telemetry.NewStore()
	good := Config{Topic: "coop/status", Interval: time.Second}

	if _, err := New(good, &fakeClient{}, store.Snapshot, renderSeq); err != nil {
		t.Fatalf("New() error = %v", err)
	}

	bad := []Config{
		{Interval: time.Second},
		{Topic: "coop/status"},
		{Topic: "coop/status", Interval: time.Second, QoS: 3},
	}
	for _, cfg := range bad {
		if _, err := New(cfg, &fakeClient{}, store.Snapshot, renderSeq); err == nil {
			t.Errorf("New(%+v) should fail", cfg)
		}
	}
	if _, err := New(good, nil, store.Snapshot, renderSeq); err == nil {
		t.Error("New() should fail without a client")
	}
}

func TestPublishOnce(t *testing.T) {
	client := &fakeClient{}
	store := telemetry.NewStore()
	store.SetConnected(true)
	p, err := New(Config{Topic: "coop/status", QoS: 1, Interval: time.Second}, client, store.Snapshot, renderSeq)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := p.PublishOnce(store.Snapshot()); err != nil {
		t.Fatalf("PublishOnce() error = %v", err)
	}
	msgs := client.sent()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.topic != "coop/status" || m.qos != 1 || !m.retained {
		t.Errorf("message = %+v, want retained qos 1 on coop/status", m)
	}
	var body map[string]any
	if err := json.Unmarshal(m.payload, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if body["connected"] != true || body["seq"] != float64(1) {
		t.Errorf("payload = %v", body)
	}

	client.publishErr = errors.New("not connected")
	if err := p.PublishOnce(store.Snapshot()); err == nil {
		t.Error("PublishOnce() should report broker errors")
	}
}

func TestRunPublishesOnlyChanges(t *testing.T) {
	client := &fakeClient{}
	store := telemetry.NewStore()
	p, err := New(Config{Topic: "coop/status", Interval: 2 * time.Millisecond}, client, store.Snapshot, renderSeq)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return len(client.sent()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(client.sent()); n != 1 {
		t.Errorf("messages = %d, want 1 while the snapshot is unchanged", n)
	}

	store.SetConnected(true)
	waitFor(t, func() bool { return len(client.sent()) == 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if client.connects != 1 || client.disconnects != 1 {
		t.Errorf("connects = %d, disconnects = %d, want 1 each", client.connects, client.disconnects)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met")
}
