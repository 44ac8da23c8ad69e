// Package ble provides the GATT client for the coop node: a single
// serialized connection with typed read/write/notify access to the node's
// characteristics.
package ble

import "context"

// Coop node GATT UUIDs (firmware defaults).
const (
	ServiceUUID          = "932c32bd-0000-47a2-835a-a8d455b859dd"
	TemperatureCharUUID  = "932c32bd-0001-47a2-835a-a8d455b859dd"
	HumidityCharUUID     = "932c32bd-0002-47a2-835a-a8d455b859dd"
	PumpControlCharUUID  = "932c32bd-0003-47a2-835a-a8d455b859dd"
	LightControlCharUUID = "932c32bd-0004-47a2-835a-a8d455b859dd"
	WaterEventCharUUID   = "932c32bd-0005-47a2-835a-a8d455b859dd"
	FeedEventCharUUID    = "932c32bd-0006-47a2-835a-a8d455b859dd"
	ManualFeedCharUUID   = "932c32bd-0007-47a2-835a-a8d455b859dd"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read returns the characteristic's current value.
	Read() ([]byte, error)
	// Write sends data and waits for the peripheral's acknowledgment.
	Write(data []byte) error
	// WriteWithoutResponse sends data without waiting for acknowledgment.
	WriteWithoutResponse(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	// Implementations wrap ErrDeviceNotFound when the address is unknown.
	Connect(ctx context.Context, mac string) (Connection, error)
}

// WriteMode selects whether a write waits for the peripheral's acknowledgment.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "without-response"
	}
	return "with-response"
}
