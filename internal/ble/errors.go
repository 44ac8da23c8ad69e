package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by attribute operations without a live handle.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("ble: transport failure")
	// ErrDeviceNotFound is wrapped by adapters when the peripheral is unknown.
	ErrDeviceNotFound = errors.New("ble: device not found")
	// ErrUnknownAttribute is returned for a UUID that was not discovered on connect.
	ErrUnknownAttribute = errors.New("ble: unknown attribute")
)

// ConnectReason classifies a failed connection attempt.
type ConnectReason int

const (
	ConnectTimeout ConnectReason = iota
	ConnectDeviceNotFound
	ConnectRejected
)

func (r ConnectReason) String() string {
	switch r {
	case ConnectTimeout:
		return "timeout"
	case ConnectDeviceNotFound:
		return "device not found"
	default:
		return "transport rejected"
	}
}

// ConnectError is returned by Client.Connect.
type ConnectError struct {
	Reason  ConnectReason
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ble: connect to %s: %s: %v", e.Address, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError reports a link failure in the middle of an operation.
// The connection is torn down before it is returned.
type TransportError struct {
	Op        string
	Attribute string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ble: %s %s: %v", e.Op, e.Attribute, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) true for any TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
