// Package ble provides the BLE central side of pixelble: advertisement
// filtering, the scan engine, and the GATT session that owns the single
// link to a PixelBLE peripheral.
package ble

import "context"

// PixelBLE GATT layout. The firmware exposes one service with one
// characteristic that accepts command writes and notifies telemetry.
const (
	DefaultDeviceName         = "PixelBLE"
	DefaultServiceUUID        = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	DefaultCharacteristicUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"

	// ClientConfigDescriptorUUID is the standard CCCD written to enable notifications.
	ClientConfigDescriptorUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

// Peripheral identifies a discovered BLE peripheral. Identity is the
// platform-assigned Address; Name is whatever was advertised.
type Peripheral struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	RSSI    int    `json:"rssi"`
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// EnableNotifications writes the CCCD and registers callback for
	// value-changed events. Returns ErrDescriptorNotFound when the
	// characteristic has no client configuration descriptor.
	EnableNotifications(callback func(data []byte)) error
}

// Connection represents an active BLE link to a peripheral.
type Connection interface {
	// RequestHighPriority asks the platform for a short connection interval.
	// Platforms may ignore it.
	RequestHighPriority() error
	// RequestMTU asks the platform to negotiate a larger ATT MTU.
	// Platforms may ignore it.
	RequestMTU(mtu int) error
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	// Returns ErrServiceNotFound or ErrCharacteristicNotFound.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect requests link teardown. The OnDisconnect callback fires
	// once the platform confirms.
	Disconnect() error
	// Close releases the local link handle. Safe to call more than once.
	Close() error
	// OnDisconnect registers a callback invoked when the link goes down.
	OnDisconnect(callback func(status Status))
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement to handler until ctx is cancelled.
	// It blocks for the duration of the scan.
	Scan(ctx context.Context, handler func(Peripheral)) error
	// Connect establishes a link to the peripheral with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
