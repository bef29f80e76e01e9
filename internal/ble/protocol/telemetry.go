// Package protocol implements the ASCII wire format spoken by the PixelBLE
// firmware: sensor telemetry notifications and LED command writes.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	digitalPrefix   = "D:"
	analogSeparator = ",A:"
)

// Reading is one decoded telemetry frame.
type Reading struct {
	Digital int `json:"digital"`
	Analog  int `json:"analog"`
}

// String renders the reading for humans (presence notification, shell).
func (r Reading) String() string {
	return fmt.Sprintf("Digital: %d | Analog: %d", r.Digital, r.Analog)
}

// DecodeTelemetry parses a "D:<int>,A:<int>" notification payload.
// The second return value is false when the payload is not a telemetry
// frame; callers drop such frames.
//
// Surrounding whitespace is ignored since the firmware terminates frames
// with println.
func DecodeTelemetry(data []byte) (Reading, bool) {
	s := strings.TrimSpace(string(data))
	if !strings.HasPrefix(s, digitalPrefix) {
		return Reading{}, false
	}
	digital, analog, found := strings.Cut(s[len(digitalPrefix):], analogSeparator)
	if !found {
		return Reading{}, false
	}
	d, err := strconv.Atoi(digital)
	if err != nil {
		return Reading{}, false
	}
	a, err := strconv.Atoi(analog)
	if err != nil {
		return Reading{}, false
	}
	return Reading{Digital: d, Analog: a}, true
}

// EncodeTelemetry formats r the way the firmware sends it (without the
// trailing newline).
func EncodeTelemetry(r Reading) []byte {
	buf := make([]byte, 0, 24)
	buf = append(buf, digitalPrefix...)
	buf = strconv.AppendInt(buf, int64(r.Digital), 10)
	buf = append(buf, analogSeparator...)
	buf = strconv.AppendInt(buf, int64(r.Analog), 10)
	return buf
}
