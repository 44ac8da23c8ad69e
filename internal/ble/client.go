package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of the client's connection handle.
type State int32

const (
	StateAbsent State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "absent"
	}
}

// ClientOptions configures the BLE client behavior.
type ClientOptions struct {
	ServiceUUID    string        // GATT service holding every attribute
	Attributes     []string      // characteristic UUIDs discovered on connect
	ConnectTimeout time.Duration // bound on dial + discovery (default 10s)
	OpTimeout      time.Duration // bound on a single attribute operation (default 5s)

	// Observe, if set, is called after every attribute operation that
	// reached the transport.
	Observe func(op string, elapsed time.Duration, err error)
}

// DefaultClientOptions returns sensible defaults for the coop node.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ServiceUUID: ServiceUUID,
		Attributes: []string{
			TemperatureCharUUID,
			HumidityCharUUID,
			PumpControlCharUUID,
			LightControlCharUUID,
			WaterEventCharUUID,
			FeedEventCharUUID,
			ManualFeedCharUUID,
		},
		ConnectTimeout: 10 * time.Second,
		OpTimeout:      5 * time.Second,
	}
}

// Client owns the single connection to the peripheral. Attribute operations
// are serialized through a one-slot gate that is held for exactly one
// operation; mu guards the handle and is never held across transport I/O.
type Client struct {
	adapter Adapter
	address string
	opts    ClientOptions

	gate chan struct{}

	mu      sync.Mutex
	enabled bool
	state   State
	epoch   uint64 // bumped by Disconnect so an in-flight Connect can notice
	conn    Connection
	chars   map[string]Characteristic
}

// NewClient creates a client for the peripheral at address. It does not
// touch the radio until Connect.
func NewClient(adapter Adapter, address string, opts ClientOptions) (*Client, error) {
	if adapter == nil {
		return nil, errors.New("ble: adapter must not be nil")
	}
	if address == "" {
		return nil, errors.New("ble: peripheral address must not be empty")
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = ServiceUUID
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	return &Client{
		adapter: adapter,
		address: address,
		opts:    opts,
		gate:    make(chan struct{}, 1),
	}, nil
}

// Address returns the peripheral address the client dials.
func (c *Client) Address() string { return c.address }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a live handle exists.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect establishes the connection and discovers every configured
// characteristic. It is a no-op when already connected. There is no retry
// here; the caller owns the retry policy. Waiting for the gate counts
// against ConnectTimeout, so a transport call left hanging by a timed-out
// operation surfaces as a timeout rather than blocking the caller.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return &ConnectError{Reason: ConnectTimeout, Address: c.address, Err: err}
	}
	defer c.release()

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	epoch := c.epoch
	c.mu.Unlock()

	conn, chars, err := c.dial(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = StateAbsent
		c.mu.Unlock()
		return err
	}
	if c.epoch != epoch {
		c.state = StateAbsent
		c.mu.Unlock()
		_ = conn.Disconnect()
		return &ConnectError{Reason: ConnectRejected, Address: c.address, Err: errors.New("disconnect requested while connecting")}
	}
	c.conn = conn
	c.chars = chars
	c.state = StateConnected
	c.mu.Unlock()

	conn.OnDisconnect(func() {
		c.drop(conn, "peripheral disconnected", false)
	})

	slog.Info("[BLE] connected", "address", c.address, "attributes", len(chars))
	return nil
}

// dial performs the transport handshake under the caller's deadline. Any
// handle obtained here is released before an error is returned.
func (c *Client) dial(ctx context.Context) (Connection, map[string]Characteristic, error) {
	if err := c.enable(); err != nil {
		return nil, nil, &ConnectError{Reason: ConnectRejected, Address: c.address, Err: fmt.Errorf("enable adapter: %w", err)}
	}

	conn, err := c.adapter.Connect(ctx, c.address)
	if err != nil {
		return nil, nil, c.connectError(ctx, err)
	}

	chars := make(map[string]Characteristic, len(c.opts.Attributes))
	for _, uuid := range c.opts.Attributes {
		ch, err := conn.DiscoverCharacteristic(c.opts.ServiceUUID, uuid)
		if err != nil {
			_ = conn.Disconnect()
			return nil, nil, &ConnectError{Reason: ConnectRejected, Address: c.address, Err: fmt.Errorf("discover %s: %w", uuid, err)}
		}
		chars[uuid] = ch
	}

	if err := ctx.Err(); err != nil {
		_ = conn.Disconnect()
		return nil, nil, &ConnectError{Reason: ConnectTimeout, Address: c.address, Err: err}
	}
	return conn, chars, nil
}

func (c *Client) enable() error {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if enabled {
		return nil
	}
	if err := c.adapter.Enable(); err != nil {
		return err
	}
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

func (c *Client) connectError(ctx context.Context, err error) *ConnectError {
	reason := ConnectRejected
	switch {
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		reason = ConnectTimeout
	case errors.Is(err, ErrDeviceNotFound):
		reason = ConnectDeviceNotFound
	}
	return &ConnectError{Reason: reason, Address: c.address, Err: err}
}

// Read returns the current value of attr.
func (c *Client) Read(ctx context.Context, attr string) ([]byte, error) {
	return c.do(ctx, "read", attr, func(ch Characteristic) ([]byte, error) {
		return ch.Read()
	})
}

// Write sends data to attr. With WriteWithoutResponse the peripheral does
// not confirm; only local transport errors are reported.
func (c *Client) Write(ctx context.Context, attr string, data []byte, mode WriteMode) error {
	payload := append([]byte(nil), data...)
	_, err := c.do(ctx, "write", attr, func(ch Characteristic) ([]byte, error) {
		if mode == WriteWithoutResponse {
			return nil, ch.WriteWithoutResponse(payload)
		}
		return nil, ch.Write(payload)
	})
	return err
}

// Subscribe enables notifications on attr. fn runs on the transport's
// goroutine and must not call back into the client.
func (c *Client) Subscribe(ctx context.Context, attr string, fn func(data []byte)) error {
	_, err := c.do(ctx, "subscribe", attr, func(ch Characteristic) ([]byte, error) {
		return nil, ch.Subscribe(fn)
	})
	return err
}

// do runs one attribute operation under the gate. If ctx ends before the
// gate is acquired the operation is not attempted. If it ends while the
// transport call is in flight the outcome is unknown: the link is torn down,
// a TransportError is returned and the gate stays held until the call
// returns, so nothing else touches the link in the meantime.
func (c *Client) do(ctx context.Context, op, attr string, fn func(Characteristic) ([]byte, error)) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		c.release()
		return nil, ErrNotConnected
	}
	ch, ok := c.chars[attr]
	conn := c.conn
	c.mu.Unlock()
	if !ok {
		c.release()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, attr)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		data, err := fn(ch)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		c.release()
		c.observe(op, time.Since(start), r.err)
		if r.err != nil {
			c.drop(conn, op+" failed", true)
			return nil, &TransportError{Op: op, Attribute: attr, Err: r.err}
		}
		return r.data, nil
	case <-ctx.Done():
		go func() {
			<-done
			c.release()
		}()
		err := ctx.Err()
		c.observe(op, time.Since(start), err)
		c.drop(conn, op+" outcome unknown", true)
		return nil, &TransportError{Op: op, Attribute: attr, Err: err}
	}
}

func (c *Client) observe(op string, elapsed time.Duration, err error) {
	if c.opts.Observe != nil {
		c.opts.Observe(op, elapsed, err)
	}
}

// drop forgets conn if it is still the live handle. When release is true
// the transport handle is disconnected as well.
func (c *Client) drop(conn Connection, reason string, release bool) {
	c.mu.Lock()
	if c.conn == nil || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.chars = nil
	c.state = StateAbsent
	c.mu.Unlock()

	slog.Warn("[BLE] connection lost", "address", c.address, "reason", reason)
	if release {
		if err := conn.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect after failure", "error", err)
		}
	}
}

// Disconnect releases the handle. Safe to call when already disconnected
// and from any goroutine.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.chars = nil
	c.state = StateAbsent
	c.epoch++
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	slog.Info("[BLE] disconnecting", "address", c.address)
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", c.address, err)
	}
	return nil
}

func (c *Client) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.gate
}
