package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	Peripheral PeripheralConfig `yaml:"peripheral"`
	Attributes AttributesConfig `yaml:"attributes"`
	Actuators  ActuatorsConfig  `yaml:"actuators"`
	Events     EventsConfig     `yaml:"events"`
	Poll       PollConfig       `yaml:"poll"`
	Clock      ClockConfig      `yaml:"clock"`
	HTTP       HTTPConfig       `yaml:"http"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	LogLevel   string           `yaml:"log_level"`
}

// PeripheralConfig identifies the coop node and bounds link operations.
type PeripheralConfig struct {
	Address        string        `yaml:"address"` // MAC on Linux, CoreBluetooth UUID on macOS
	ServiceUUID    string        `yaml:"service_uuid"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	OpTimeout      time.Duration `yaml:"op_timeout"`
}

// AttributesConfig holds the characteristic UUIDs.
type AttributesConfig struct {
	Temperature  string `yaml:"temperature"`
	Humidity     string `yaml:"humidity"`
	PumpControl  string `yaml:"pump_control"`
	LightControl string `yaml:"light_control"`
	WaterEvent   string `yaml:"water_event"`
	FeedEvent    string `yaml:"feed_event"`
	ManualFeed   string `yaml:"manual_feed"`
}

// All returns every configured UUID in a fixed order.
func (a AttributesConfig) All() []string {
	return []string{a.Temperature, a.Humidity, a.PumpControl, a.LightControl, a.WaterEvent, a.FeedEvent, a.ManualFeed}
}

// ActuatorConfig is one actuator's wire encoding.
type ActuatorConfig struct {
	OnByte       uint8 `yaml:"on_byte"`
	OffByte      uint8 `yaml:"off_byte"`
	Acknowledged bool  `yaml:"acknowledged"` // false: write without response
}

// Encoding returns the protocol form of the actuator's bytes.
func (a ActuatorConfig) Encoding() protocol.ActuatorEncoding {
	return protocol.ActuatorEncoding{On: a.OnByte, Off: a.OffByte}
}

// WriteMode returns the write mode for the actuator's commands.
func (a ActuatorConfig) WriteMode() ble.WriteMode {
	return writeMode(a.Acknowledged)
}

// ActuatorsConfig holds the per-actuator encodings.
type ActuatorsConfig struct {
	PumpIn  ActuatorConfig `yaml:"pump_in"`
	PumpOut ActuatorConfig `yaml:"pump_out"`
	Light   ActuatorConfig `yaml:"light"`
}

// TriggerConfig describes a one-shot trigger and its read-back.
type TriggerConfig struct {
	Value         uint8         `yaml:"value"`
	Acknowledged  bool          `yaml:"acknowledged"`
	ReadbackDelay time.Duration `yaml:"readback_delay"`
}

// WriteMode returns the write mode for the trigger.
func (t TriggerConfig) WriteMode() ble.WriteMode {
	return writeMode(t.Acknowledged)
}

// EventsConfig holds event triggers. Only feeding can be triggered
// on demand; watering is stamped by pump commands.
type EventsConfig struct {
	Feed TriggerConfig `yaml:"feed"`
}

// PollConfig holds poll loop settings.
type PollConfig struct {
	Mode       string        `yaml:"mode"` // "poll" or "notify"
	Interval   time.Duration `yaml:"interval"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"` // equal to backoff: fixed delay
}

// ClockConfig maps peripheral ticks onto wall-clock time.
type ClockConfig struct {
	Epoch     string        `yaml:"epoch"` // RFC 3339 instant of tick zero
	UTCOffset time.Duration `yaml:"utc_offset"`
}

// Clock parses the config into a protocol.Clock.
func (c ClockConfig) Clock() (protocol.Clock, error) {
	epoch, err := time.Parse(time.RFC3339, c.Epoch)
	if err != nil {
		return protocol.Clock{}, fmt.Errorf("clock.epoch: %w", err)
	}
	return protocol.Clock{Epoch: epoch, Offset: c.UTCOffset}, nil
}

// HTTPConfig holds control surface settings.
type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// MQTTConfig holds the optional status publisher. An empty broker
// disables it.
type MQTTConfig struct {
	Broker   string        `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	QoS      uint8         `yaml:"qos"`
	Interval time.Duration `yaml:"interval"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

func writeMode(acknowledged bool) ble.WriteMode {
	if acknowledged {
		return ble.WriteWithResponse
	}
	return ble.WriteWithoutResponse
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "birdbridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The peripheral
// address has no default and must be configured.
func Default() *Config {
	return &Config{
		Peripheral: PeripheralConfig{
			ServiceUUID:    ble.ServiceUUID,
			ConnectTimeout: 10 * time.Second,
			OpTimeout:      5 * time.Second,
		},
		Attributes: AttributesConfig{
			Temperature:  ble.TemperatureCharUUID,
			Humidity:     ble.HumidityCharUUID,
			PumpControl:  ble.PumpControlCharUUID,
			LightControl: ble.LightControlCharUUID,
			WaterEvent:   ble.WaterEventCharUUID,
			FeedEvent:    ble.FeedEventCharUUID,
			ManualFeed:   ble.ManualFeedCharUUID,
		},
		Actuators: ActuatorsConfig{
			PumpIn:  ActuatorConfig{OnByte: 0x01, OffByte: 0x00, Acknowledged: true},
			PumpOut: ActuatorConfig{OnByte: 0x11, OffByte: 0x10, Acknowledged: true},
			Light:   ActuatorConfig{OnByte: 0x01, OffByte: 0x00, Acknowledged: true},
		},
		Events: EventsConfig{
			Feed: TriggerConfig{Value: 0x01, Acknowledged: true},
		},
		Poll: PollConfig{
			Mode:       "poll",
			Interval:   2 * time.Second,
			Backoff:    5 * time.Second,
			MaxBackoff: 5 * time.Second,
		},
		Clock: ClockConfig{
			Epoch: "1970-01-01T00:00:00Z",
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			CommandTimeout: 15 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID: "birdbridge",
			Topic:    "birdbridge/status",
			Interval: 5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in path is expanded to the home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Peripheral.Address == "" {
		return errors.New("peripheral.address must not be empty")
	}
	if !validAddress(c.Peripheral.Address) {
		return fmt.Errorf("peripheral.address must be a MAC address or UUID, got %q", c.Peripheral.Address)
	}
	if _, err := uuid.Parse(c.Peripheral.ServiceUUID); err != nil {
		return fmt.Errorf("peripheral.service_uuid: %w", err)
	}
	if c.Peripheral.ConnectTimeout <= 0 {
		return errors.New("peripheral.connect_timeout must be > 0")
	}
	if c.Peripheral.OpTimeout <= 0 {
		return errors.New("peripheral.op_timeout must be > 0")
	}

	attrs := map[string]string{
		"temperature":   c.Attributes.Temperature,
		"humidity":      c.Attributes.Humidity,
		"pump_control":  c.Attributes.PumpControl,
		"light_control": c.Attributes.LightControl,
		"water_event":   c.Attributes.WaterEvent,
		"feed_event":    c.Attributes.FeedEvent,
		"manual_feed":   c.Attributes.ManualFeed,
	}
	for name, id := range attrs {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("attributes.%s: invalid UUID %q: %w", name, id, err)
		}
	}

	actuators := map[string]ActuatorConfig{
		"pump_in":  c.Actuators.PumpIn,
		"pump_out": c.Actuators.PumpOut,
		"light":    c.Actuators.Light,
	}
	for name, a := range actuators {
		if err := a.Encoding().Validate(); err != nil {
			return fmt.Errorf("actuators.%s: %w", name, err)
		}
	}
	// pump_in and pump_out share one characteristic, so their bytes must not collide
	in, out := c.Actuators.PumpIn, c.Actuators.PumpOut
	for _, b := range []uint8{in.OnByte, in.OffByte} {
		if b == out.OnByte || b == out.OffByte {
			return fmt.Errorf("actuators.pump_in and actuators.pump_out share byte 0x%02x", b)
		}
	}

	if c.Events.Feed.ReadbackDelay < 0 {
		return errors.New("events.feed.readback_delay must be >= 0")
	}

	switch c.Poll.Mode {
	case "poll", "notify":
	default:
		return fmt.Errorf("poll.mode must be \"poll\" or \"notify\", got %q", c.Poll.Mode)
	}
	if c.Poll.Interval <= 0 {
		return errors.New("poll.interval must be > 0")
	}
	if c.Poll.Backoff <= 0 {
		return errors.New("poll.backoff must be > 0")
	}
	if c.Poll.MaxBackoff < c.Poll.Backoff {
		return errors.New("poll.max_backoff must be >= poll.backoff")
	}

	if _, err := c.Clock.Clock(); err != nil {
		return err
	}

	if c.HTTP.Addr == "" {
		return errors.New("http.addr must not be empty")
	}
	if c.HTTP.CommandTimeout <= 0 {
		return errors.New("http.command_timeout must be > 0")
	}

	if c.MQTT.Enabled() {
		if c.MQTT.Topic == "" {
			return errors.New("mqtt.topic must not be empty")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.Interval <= 0 {
			return errors.New("mqtt.interval must be > 0")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// ParseLogLevel maps a config log level onto slog. Unknown values are info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func validAddress(addr string) bool {
	if _, err := net.ParseMAC(addr); err == nil {
		return true
	}
	_, err := uuid.Parse(addr)
	return err == nil
}

const defaultHeader = `# birdbridge configuration
#
# peripheral.address is required: the coop node's MAC address on Linux
# (e.g. 2C:CF:67:C9:C3:66) or its CoreBluetooth UUID on macOS.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	buf.WriteString("\n")
	buf.Write(data)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
