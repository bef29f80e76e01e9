package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrScanUnavailable means no usable radio or scanner.
	ErrScanUnavailable = errors.New("ble: scan unavailable")
	// ErrScanInProgress is returned by Scanner.Start while a scan is running.
	ErrScanInProgress = errors.New("ble: scan already in progress")
	// ErrServiceNotFound means the PixelBLE service is missing on the peripheral.
	ErrServiceNotFound = errors.New("ble: service not found")
	// ErrCharacteristicNotFound means the command/telemetry characteristic is missing.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	// ErrDescriptorNotFound means notifications cannot be enabled because the
	// client configuration descriptor is missing.
	ErrDescriptorNotFound = errors.New("ble: client configuration descriptor not found")
	// ErrMalformedTelemetry marks a notification that is not a telemetry frame.
	// Such frames are dropped and never surfaced.
	ErrMalformedTelemetry = errors.New("ble: malformed telemetry")
	// ErrWriteFailed wraps a failed characteristic write.
	ErrWriteFailed = errors.New("ble: write failed")
	// ErrNotReady is returned by Session.Send when the session is not ready.
	ErrNotReady = errors.New("ble: session not ready")
)

// Status is a platform link status code. Values follow the HCI error codes
// that BLE stacks report on disconnect.
type Status uint8

const (
	StatusSuccess           Status = 0x00
	StatusConnectionTimeout Status = 0x08
	StatusRemoteTerminated  Status = 0x13
	StatusLocalTerminated   Status = 0x16
	StatusFailedToEstablish Status = 0x3e
	// StatusGattError is the generic GATT failure (Android's GATT_ERROR)
	// reported when discovery or a descriptor write fails on a live link.
	StatusGattError Status = 0x85
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusConnectionTimeout:
		return "connection timeout"
	case StatusRemoteTerminated:
		return "remote terminated"
	case StatusLocalTerminated:
		return "local host terminated"
	case StatusFailedToEstablish:
		return "failed to establish"
	case StatusGattError:
		return "gatt error"
	default:
		return fmt.Sprintf("status 0x%02x", uint8(s))
	}
}

// ConnectionFailedError reports a non-success platform status on connect,
// negotiation or disconnect. It is always retryable.
type ConnectionFailedError struct {
	Status Status
	Err    error
}

func (e *ConnectionFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: connection failed (%s): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("ble: connection failed (%s)", e.Status)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }
