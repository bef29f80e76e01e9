package link

import (
	"errors"
	"fmt"

	"github.com/chaz8081/pixelble/internal/ble"
)

var (
	// ErrBusy is returned when a request conflicts with the current session:
	// connecting to a second peripheral, or scanning while connected.
	ErrBusy = errors.New("link: busy with another session")
	// ErrClosed is returned by requests made after Run has returned.
	ErrClosed = errors.New("link: controller closed")
	// ErrRadioDisabled is returned when the adapter could not be enabled.
	ErrRadioDisabled = fmt.Errorf("%w: radio disabled", ble.ErrScanUnavailable)
)

// Status is the connection status visible to callers.
type Status uint8

const (
	StatusIdle Status = iota
	StatusScanning
	StatusConnecting
	StatusNegotiating
	StatusReady
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusScanning:
		return "scanning"
	case StatusConnecting:
		return "connecting"
	case StatusNegotiating:
		return "negotiating"
	case StatusReady:
		return "ready"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for st := StatusIdle; st <= StatusDisconnecting; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("link: unknown status %q", text)
}

// SessionState is the single record of the link. Only the controller's
// event loop mutates it.
type SessionState struct {
	Status    Status
	Target    *ble.Peripheral // set only while a session exists
	LastError error
}
