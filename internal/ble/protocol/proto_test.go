package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func TestDecodeReading(t *testing.T) {
	// 21.37°C as sent by the firmware: struct.pack("<h", 2137)
	got, err := DecodeReading([]byte{0x59, 0x08}, UnitCelsius)
	if err != nil {
		t.Fatalf("DecodeReading() error = %v", err)
	}
	if got.Raw != 2137 {
		t.Errorf("Raw = %d, want 2137", got.Raw)
	}
	if got.Value() != 21.37 {
		t.Errorf("Value() = %v, want 21.37", got.Value())
	}
	if got.Unit != UnitCelsius {
		t.Errorf("Unit = %q, want %q", got.Unit, UnitCelsius)
	}
}

func TestDecodeReadingNegative(t *testing.T) {
	got, err := DecodeReading([]byte{0x0c, 0xfe}, UnitCelsius) // -500
	if err != nil {
		t.Fatalf("DecodeReading() error = %v", err)
	}
	if got.Value() != -5 {
		t.Errorf("Value() = %v, want -5", got.Value())
	}
}

func TestDecodeReadingAllInt16(t *testing.T) {
	for v := math.MinInt16; v <= math.MaxInt16; v++ {
		raw := int16(v)
		got, err := DecodeReading(EncodeReading(Reading{Raw: raw}), UnitRelativeHumidity)
		if err != nil {
			t.Fatalf("DecodeReading(%d) error = %v", v, err)
		}
		if got.Raw != raw || got.Value() != float64(raw)/100 {
			t.Fatalf("DecodeReading(%d) = %+v (%v), want %v", v, got, got.Value(), float64(raw)/100)
		}
	}
}

func TestDecodeReadingWrongLength(t *testing.T) {
	for _, n := range []int{0, 1, 3, 8} {
		_, err := DecodeReading(make([]byte, n), UnitCelsius)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("DecodeReading(len=%d) error = %v, want ErrMalformedPayload", n, err)
		}
	}
}

func TestDecodeTimestamp(t *testing.T) {
	ticks := int64(17_600_000_000_000_000) // struct.pack("<q", ...)
	ts, ok := DecodeTimestamp(EncodeTimestamp(Timestamp{Ticks: ticks}))
	if !ok {
		t.Fatal("DecodeTimestamp() ok = false, want true")
	}
	if ts.Ticks != ticks {
		t.Errorf("Ticks = %d, want %d", ts.Ticks, ticks)
	}

	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	a, _ := DecodeTimestamp(data)
	b, _ := DecodeTimestamp(data)
	if a != b {
		t.Errorf("DecodeTimestamp is not deterministic: %v != %v", a, b)
	}
	if a.Ticks != 0x0807060504030201 {
		t.Errorf("Ticks = %#x, want little-endian 0x0807060504030201", a.Ticks)
	}
}

func TestDecodeTimestampWrongLength(t *testing.T) {
	for _, n := range []int{0, 1, 7, 9, 16} {
		ts, ok := DecodeTimestamp(make([]byte, n))
		if ok {
			t.Errorf("DecodeTimestamp(len=%d) ok = true, want false", n)
		}
		if ts != (Timestamp{}) {
			t.Errorf("DecodeTimestamp(len=%d) = %v, want zero", n, ts)
		}
	}
}

func TestTimestampTime(t *testing.T) {
	clock := Clock{Epoch: time.Unix(0, 0).UTC(), Offset: -5 * time.Hour}
	ts := Timestamp{Ticks: 1_700_000_000*TicksPerSecond + 5_000_000}

	got := ts.Time(clock)
	if got.Unix() != 1_700_000_000 {
		t.Errorf("Unix() = %d, want 1700000000", got.Unix())
	}
	if got.Nanosecond() != 500_000_000 {
		t.Errorf("Nanosecond() = %d, want 500000000", got.Nanosecond())
	}
	if _, off := got.Zone(); off != -5*3600 {
		t.Errorf("zone offset = %d, want %d", off, -5*3600)
	}
}

func TestTimestampTimeCustomEpoch(t *testing.T) {
	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Timestamp{Ticks: 60 * TicksPerSecond}.Time(Clock{Epoch: epoch})
	want := epoch.Add(time.Minute)
	if !got.Equal(want) {
		t.Errorf("Time() = %v, want %v", got, want)
	}
}

func TestActuatorEncodingRoundTrip(t *testing.T) {
	encodings := map[string]ActuatorEncoding{
		"pump_in":  {On: 0x01, Off: 0x00},
		"pump_out": {On: 0x11, Off: 0x10},
		"light":    {On: 0x01, Off: 0x00},
	}
	for name, enc := range encodings {
		for _, state := range []bool{true, false} {
			got, err := enc.Decode(enc.Encode(state))
			if err != nil {
				t.Fatalf("%s: Decode(Encode(%v)) error = %v", name, state, err)
			}
			if got != state {
				t.Errorf("%s: Decode(Encode(%v)) = %v", name, state, got)
			}
		}
	}
}

func TestActuatorEncodingBytes(t *testing.T) {
	pumpOut := ActuatorEncoding{On: 0x11, Off: 0x10}
	if got := pumpOut.Encode(true); !bytes.Equal(got, []byte{0x11}) {
		t.Errorf("Encode(true) = %x, want 11", got)
	}
	if got := pumpOut.Encode(false); !bytes.Equal(got, []byte{0x10}) {
		t.Errorf("Encode(false) = %x, want 10", got)
	}
}

func TestActuatorEncodingDecodeMalformed(t *testing.T) {
	enc := ActuatorEncoding{On: 0x11, Off: 0x10}
	for _, data := range [][]byte{nil, {0x01}, {0x11, 0x00}} {
		if _, err := enc.Decode(data); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Decode(%x) error = %v, want ErrMalformedPayload", data, err)
		}
	}
}

func TestActuatorEncodingValidate(t *testing.T) {
	if err := (ActuatorEncoding{On: 1, Off: 0}).Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
	if err := (ActuatorEncoding{On: 1, Off: 1}).Validate(); err == nil {
		t.Error("Validate() should reject identical on/off bytes")
	}
}

func TestEncodeTrigger(t *testing.T) {
	if got := EncodeTrigger(0x01); !bytes.Equal(got, []byte{0x01}) {
		t.Errorf("EncodeTrigger(1) = %x, want 01", got)
	}
}
