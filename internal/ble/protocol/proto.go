// Package protocol implements the fixed-width binary layouts of the coop
// node's GATT characteristics. Every function here is pure.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload is returned when a payload has the wrong length or
// carries a value outside the attribute's encoding.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

const (
	// ReadingLen is the wire size of a sensor reading (int16 LE, x100).
	ReadingLen = 2
	// TimestampLen is the wire size of an event timestamp (int64 LE ticks).
	TimestampLen = 8

	// TicksPerSecond is the number of 100ns ticks in one second.
	TicksPerSecond = 10_000_000

	readingScale = 100
)

// Unit tags a sensor reading.
type Unit string

const (
	UnitCelsius          Unit = "°C"
	UnitRelativeHumidity Unit = "%RH"
)

// Reading is a fixed-point sensor value as sent by the peripheral.
type Reading struct {
	Raw  int16
	Unit Unit
}

// Value returns the reading in its unit (raw / 100).
func (r Reading) Value() float64 {
	return float64(r.Raw) / readingScale
}

// DecodeReading parses a 2-byte little-endian signed reading.
func DecodeReading(data []byte, unit Unit) (Reading, error) {
	if len(data) != ReadingLen {
		return Reading{}, fmt.Errorf("%w: reading must be %d bytes, got %d", ErrMalformedPayload, ReadingLen, len(data))
	}
	return Reading{
		Raw:  int16(binary.LittleEndian.Uint16(data)),
		Unit: unit,
	}, nil
}

// EncodeReading is the inverse of DecodeReading.
func EncodeReading(r Reading) []byte {
	buf := make([]byte, ReadingLen)
	binary.LittleEndian.PutUint16(buf, uint16(r.Raw))
	return buf
}

// Timestamp counts 100ns ticks since the peripheral's epoch.
type Timestamp struct {
	Ticks int64
}

// DecodeTimestamp parses an 8-byte little-endian tick count. The second
// return value is false when the payload is not exactly 8 bytes; garbled
// notifications are expected and must not abort the caller.
func DecodeTimestamp(data []byte) (Timestamp, bool) {
	if len(data) != TimestampLen {
		return Timestamp{}, false
	}
	return Timestamp{Ticks: int64(binary.LittleEndian.Uint64(data))}, true
}

// EncodeTimestamp is the inverse of DecodeTimestamp.
func EncodeTimestamp(ts Timestamp) []byte {
	buf := make([]byte, TimestampLen)
	binary.LittleEndian.PutUint64(buf, uint64(ts.Ticks))
	return buf
}

// Clock maps peripheral ticks onto wall-clock time.
type Clock struct {
	Epoch  time.Time     // instant of tick zero
	Offset time.Duration // fixed UTC offset used for display
}

// UnixClock is a Clock with the Unix epoch and no offset.
func UnixClock() Clock {
	return Clock{Epoch: time.Unix(0, 0).UTC()}
}

// Location returns the fixed zone for the clock's offset.
func (c Clock) Location() *time.Location {
	if c.Offset == 0 {
		return time.UTC
	}
	return time.FixedZone("", int(c.Offset/time.Second))
}

// Time converts ts to local time: whole seconds are ticks / 10,000,000 and
// the remainder is kept as sub-second precision.
func (ts Timestamp) Time(c Clock) time.Time {
	sec := ts.Ticks / TicksPerSecond
	nsec := (ts.Ticks % TicksPerSecond) * 100
	return time.Unix(c.Epoch.Unix()+sec, int64(c.Epoch.Nanosecond())+nsec).In(c.Location())
}

// ActuatorEncoding is the single-byte wire form of one actuator's on/off
// state. Each actuator carries its own pair; no symmetry between actuators
// is assumed (the dual-direction pump uses 0x11/0x10 while the inlet pump
// uses 0x01/0x00).
type ActuatorEncoding struct {
	On  byte
	Off byte
}

// Validate reports whether the two states are distinguishable on the wire.
func (e ActuatorEncoding) Validate() error {
	if e.On == e.Off {
		return fmt.Errorf("protocol: on and off encodings are both 0x%02x", e.On)
	}
	return nil
}

// Encode returns the one-byte command for state on.
func (e ActuatorEncoding) Encode(on bool) []byte {
	if on {
		return []byte{e.On}
	}
	return []byte{e.Off}
}

// Decode is the inverse of Encode.
func (e ActuatorEncoding) Decode(data []byte) (bool, error) {
	if len(data) != 1 {
		return false, fmt.Errorf("%w: actuator state must be 1 byte, got %d", ErrMalformedPayload, len(data))
	}
	switch data[0] {
	case e.On:
		return true, nil
	case e.Off:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown actuator byte 0x%02x", ErrMalformedPayload, data[0])
	}
}

// EncodeTrigger returns the payload of a one-shot trigger write.
func EncodeTrigger(value byte) []byte {
	return []byte{value}
}
