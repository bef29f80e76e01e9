// Package interactive provides the interactive command line for pixelble.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/chaz8081/pixelble/internal/ble/protocol"
	"github.com/chaz8081/pixelble/internal/link"
)

// Controller is the subset of link.Controller the shell drives.
type Controller interface {
	Snapshot() link.Snapshot
	SubscribeSnapshots() (<-chan link.Snapshot, func())
	StartScan() error
	StopScan() error
	Connect(address string) error
	Disconnect() error
	Send(in protocol.Instruction) error
}

// Shell handles interactive mode.
type Shell struct {
	ctrl Controller
	rl   *readline.Instance
	out  io.Writer
}

// New creates a shell reading from the terminal.
func New(ctrl Controller) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pixelble> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("scan"), readline.PcItem("stop"), readline.PcItem("devices"),
			readline.PcItem("connect"), readline.PcItem("disconnect"),
			readline.PcItem("all"), readline.PcItem("pixel"), readline.PcItem("clear"),
			readline.PcItem("status"), readline.PcItem("help"), readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{ctrl: ctrl, rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that coordinates with the prompt. Use it for log
// output so lines do not interleave with input.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run starts the command loop. It returns when the user quits or ctx is
// cancelled; quitting calls cancel.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	go s.watch(ctx)
	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
		if s.execute(line) {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// execute runs one command line and reports whether the user asked to quit.
func (s *Shell) execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "scan", "s":
		s.report("scanning", s.ctrl.StartScan())
	case "stop":
		s.report("scan stopped", s.ctrl.StopScan())
	case "devices", "d":
		s.cmdDevices()
	case "connect", "c":
		s.cmdConnect(args)
	case "disconnect":
		s.report("disconnecting", s.ctrl.Disconnect())
	case "all", "pixel", "clear":
		in, err := protocol.ParseInstruction(parts)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return false
		}
		s.report("sent "+string(protocol.Encode(in)), s.ctrl.Send(in))
	case "status", "st":
		s.cmdStatus()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *Shell) report(ok string, err error) {
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, ok)
}

func (s *Shell) cmdDevices() {
	devices := s.ctrl.Snapshot().Devices
	if len(devices) == 0 {
		fmt.Fprintln(s.out, "No devices discovered (run 'scan')")
		return
	}
	for i, d := range devices {
		fmt.Fprintf(s.out, "  [%d] %s  %-12s %d dBm\n", i, d.Address, d.Name, d.RSSI)
	}
}

// cmdConnect accepts an address or an index into the device list.
func (s *Shell) cmdConnect(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: connect <address|index>")
		return
	}
	address := args[0]
	if i, err := strconv.Atoi(address); err == nil {
		devices := s.ctrl.Snapshot().Devices
		if i < 0 || i >= len(devices) {
			fmt.Fprintf(s.out, "Error: no device at index %d\n", i)
			return
		}
		address = devices[i].Address
	}
	s.report("connecting to "+address, s.ctrl.Connect(address))
}

func (s *Shell) cmdStatus() {
	snap := s.ctrl.Snapshot()
	fmt.Fprintf(s.out, "Status:    %s\n", snap.Status)
	fmt.Fprintf(s.out, "Radio:     %t\n", snap.RadioEnabled)
	if snap.Target != "" {
		fmt.Fprintf(s.out, "Target:    %s\n", snap.Target)
	}
	if r, ok := snap.Telemetry[snap.Target]; ok {
		fmt.Fprintf(s.out, "Telemetry: %s\n", r)
	}
	if snap.ReconnectPending != "" {
		fmt.Fprintf(s.out, "Reconnect: %s (attempt %d)\n", snap.ReconnectPending, snap.ReconnectAttempts)
	}
	if snap.LastError != "" {
		fmt.Fprintf(s.out, "Error:     %s\n", snap.LastError)
	}
}

// watch prints status transitions and new errors as they happen.
func (s *Shell) watch(ctx context.Context) {
	ch, unsub := s.ctrl.SubscribeSnapshots()
	defer unsub()

	prev := s.ctrl.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			for _, line := range transitions(prev, snap) {
				fmt.Fprintln(s.out, line)
			}
			prev = snap
		}
	}
}

// transitions describes what changed between two snapshots.
func transitions(prev, next link.Snapshot) []string {
	var lines []string
	if next.Status != prev.Status {
		line := fmt.Sprintf("[%s -> %s]", prev.Status, next.Status)
		if next.Target != "" {
			line += " " + next.Target
		}
		lines = append(lines, line)
	}
	if len(next.Devices) > len(prev.Devices) {
		for _, d := range next.Devices[len(prev.Devices):] {
			lines = append(lines, fmt.Sprintf("found %s (%s, %d dBm)", d.Address, d.Name, d.RSSI))
		}
	}
	if next.LastError != "" && next.LastError != prev.LastError {
		lines = append(lines, "error: "+next.LastError)
	}
	if next.ReconnectPending != "" && next.ReconnectAttempts != prev.ReconnectAttempts {
		lines = append(lines, fmt.Sprintf("reconnect to %s scheduled (attempt %d)", next.ReconnectPending, next.ReconnectAttempts))
	}
	return lines
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
PixelBLE Commands:
  Discovery:
    scan                    - Scan for PixelBLE peripherals
    stop                    - Stop scanning
    devices                 - List discovered peripherals

  Session:
    connect <addr|index>    - Connect to a peripheral
    disconnect              - Disconnect and cancel reconnects
    status                  - Show connection state and telemetry

  LEDs:
    all <b> <r> <g> <b>     - Set every pixel
    pixel <i> <b> <r> <g> <b> - Set one pixel
    clear                   - Turn all pixels off

  quit                      - Exit`)
}
