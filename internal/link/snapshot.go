package link

import (
	"maps"
	"slices"

	"github.com/chaz8081/pixelble/internal/ble"
	"github.com/chaz8081/pixelble/internal/ble/protocol"
)

// Snapshot is the whole observable state surface at one instant.
type Snapshot struct {
	Status            Status                      `json:"status"`
	RadioEnabled      bool                        `json:"radio_enabled"`
	Connected         bool                        `json:"connected"`
	Target            string                      `json:"target,omitempty"`
	Devices           []ble.Peripheral            `json:"devices"`
	Telemetry         map[string]protocol.Reading `json:"telemetry"`
	LastError         string                      `json:"last_error,omitempty"`
	ReconnectPending  string                      `json:"reconnect_pending,omitempty"`
	ReconnectAttempts int                         `json:"reconnect_attempts,omitempty"`
}

func (s Snapshot) equal(o Snapshot) bool {
	return s.Status == o.Status &&
		s.RadioEnabled == o.RadioEnabled &&
		s.Connected == o.Connected &&
		s.Target == o.Target &&
		s.LastError == o.LastError &&
		s.ReconnectPending == o.ReconnectPending &&
		s.ReconnectAttempts == o.ReconnectAttempts &&
		slices.Equal(s.Devices, o.Devices) &&
		maps.Equal(s.Telemetry, o.Telemetry)
}

// buildSnapshot captures loop state. Devices and telemetry are replaced,
// never mutated, so sharing them is safe.
func (c *Controller) buildSnapshot() Snapshot {
	snap := Snapshot{
		Status:       c.state.Status,
		RadioEnabled: c.radio,
		Connected:    c.state.Status == StatusReady,
		Devices:      c.devices,
		Telemetry:    c.telemetry,
	}
	if c.state.Target != nil {
		snap.Target = c.state.Target.Address
	}
	if c.state.LastError != nil {
		snap.LastError = c.state.LastError.Error()
	}
	if p, ok := c.reconnect.Pending(); ok {
		snap.ReconnectPending = p.Address
		snap.ReconnectAttempts = c.reconnect.Attempts()
	}
	return snap
}
