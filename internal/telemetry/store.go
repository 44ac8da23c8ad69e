// Package telemetry holds the latest decoded state of the coop node.
package telemetry

import (
	"sync"
	"time"

	"github.com/chaz8081/birdbridge/internal/ble/protocol"
)

// Actuator names one controllable output on the node.
type Actuator int

const (
	PumpIn  Actuator = iota // actuator class A: fills the water tray
	PumpOut                 // actuator class B: drains the water tray
	Light                   // illumination
	NumActuators
)

var actuatorNames = [NumActuators]string{"pump_in", "pump_out", "light"}

func (a Actuator) String() string {
	if a < 0 || a >= NumActuators {
		return "unknown"
	}
	return actuatorNames[a]
}

// ParseActuator maps a name such as "pump_in" to its Actuator.
func ParseActuator(name string) (Actuator, bool) {
	for i, n := range actuatorNames {
		if n == name {
			return Actuator(i), true
		}
	}
	return 0, false
}

// Event names one timestamped activity reported by the node.
type Event int

const (
	Water Event = iota // event A
	Feed               // event B
	NumEvents
)

var eventNames = [NumEvents]string{"water", "feed"}

func (e Event) String() string {
	if e < 0 || e >= NumEvents {
		return "unknown"
	}
	return eventNames[e]
}

// ParseEvent maps a name such as "feed" to its Event.
func ParseEvent(name string) (Event, bool) {
	for i, n := range eventNames {
		if n == name {
			return Event(i), true
		}
	}
	return 0, false
}

// Measurement is a sensor reading that may not have been received yet.
type Measurement struct {
	Reading protocol.Reading
	Valid   bool
}

// EventTime is an event timestamp that may be unknown.
type EventTime struct {
	Timestamp protocol.Timestamp
	Valid     bool
}

// Snapshot is a full, internally consistent copy of the store. It holds
// only values and fixed-size arrays, so assigning it copies everything.
type Snapshot struct {
	Connected   bool
	Temperature Measurement
	Humidity    Measurement
	Events      [NumEvents]EventTime
	Actuators   [NumActuators]bool

	Seq       uint64 // incremented on every committed update
	UpdatedAt time.Time
}

// Store guards the latest Snapshot. Its lock is only held to copy or
// commit a snapshot, never across I/O.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewStore returns a store holding the zero snapshot.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Update applies fn to a copy of the current state and commits the result
// as one atomic step. fn must not block or perform I/O.
func (s *Store) Update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap
	fn(&next)
	next.Seq = s.snap.Seq + 1
	next.UpdatedAt = s.now()
	s.snap = next
	return next
}

// SetConnected records the link state; it is a no-op when unchanged.
func (s *Store) SetConnected(connected bool) {
	s.mu.RLock()
	same := s.snap.Connected == connected
	s.mu.RUnlock()
	if same {
		return
	}
	s.Update(func(snap *Snapshot) { snap.Connected = connected })
}

// SetActuator records the commanded state of a.
func (s *Store) SetActuator(a Actuator, on bool) {
	s.Update(func(snap *Snapshot) { snap.Actuators[a] = on })
}

// SetEvent records a decoded event time.
func (s *Store) SetEvent(e Event, ts protocol.Timestamp) {
	s.Update(func(snap *Snapshot) { snap.Events[e] = EventTime{Timestamp: ts, Valid: true} })
}
