package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Instruction is a high-level LED directive that encodes to one command write.
// Value ranges are not checked here; the firmware owns their meaning.
type Instruction interface {
	Encode() []byte
}

// SetAll sets every pixel to one color: "*<brightness>,<r>,<g>,<b>."
type SetAll struct {
	Brightness, R, G, B int
}

// SetPixel sets a single pixel: "_<index>,<brightness>,<r>,<g>,<b>."
type SetPixel struct {
	Index, Brightness, R, G, B int
}

// ClearAll turns every pixel off: "!."
type ClearAll struct{}

func (c SetAll) Encode() []byte {
	return frame('*', c.Brightness, c.R, c.G, c.B)
}

func (c SetPixel) Encode() []byte {
	return frame('_', c.Index, c.Brightness, c.R, c.G, c.B)
}

func (ClearAll) Encode() []byte {
	return []byte("!.")
}

// Encode returns the wire bytes for in.
func Encode(in Instruction) []byte {
	return in.Encode()
}

// frame writes lead followed by comma-separated fields and a terminating '.'.
func frame(lead byte, fields ...int) []byte {
	buf := make([]byte, 0, 4*len(fields)+2)
	buf = append(buf, lead)
	for i, f := range fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, int64(f), 10)
	}
	return append(buf, '.')
}

// ErrUnknownInstruction is returned by ParseInstruction for an unrecognised verb.
var ErrUnknownInstruction = errors.New("protocol: unknown instruction")

// ParseInstruction builds an Instruction from whitespace-separated fields:
//
//	all <brightness> <r> <g> <b>
//	pixel <index> <brightness> <r> <g> <b>
//	clear
func ParseInstruction(fields []string) (Instruction, error) {
	if len(fields) == 0 {
		return nil, ErrUnknownInstruction
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]
	switch verb {
	case "all":
		n, err := parseInts(verb, args, 4)
		if err != nil {
			return nil, err
		}
		return SetAll{Brightness: n[0], R: n[1], G: n[2], B: n[3]}, nil
	case "pixel":
		n, err := parseInts(verb, args, 5)
		if err != nil {
			return nil, err
		}
		return SetPixel{Index: n[0], Brightness: n[1], R: n[2], G: n[3], B: n[4]}, nil
	case "clear":
		if len(args) != 0 {
			return nil, fmt.Errorf("protocol: clear takes no arguments, got %d", len(args))
		}
		return ClearAll{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstruction, verb)
	}
}

func parseInts(verb string, args []string, want int) ([]int, error) {
	if len(args) != want {
		return nil, fmt.Errorf("protocol: %s needs %d arguments, got %d", verb, want, len(args))
	}
	out := make([]int, want)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("protocol: %s argument %d: %w", verb, i+1, err)
		}
		out[i] = v
	}
	return out, nil
}
