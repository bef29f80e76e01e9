// Package presence mirrors live telemetry into an OS-level indicator.
package presence

import "log/slog"

// Log writes each telemetry update to the structured log. It is the
// fallback when no notification daemon is available.
type Log struct{}

func (Log) OnTelemetryUpdated(text string) {
	slog.Info("[PRESENCE] telemetry", "text", text)
}
