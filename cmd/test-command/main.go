// Command test-command is a manual test against real hardware. It scans
// for a PixelBLE peripheral, connects, cycles the strip through a few
// colours and prints the telemetry it receives.
//
// Usage:
//
//	go run ./cmd/test-command [--name PixelBLE] [--timeout 15s]
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/pixelble/internal/ble"
	"github.com/chaz8081/pixelble/internal/ble/protocol"
	"github.com/chaz8081/pixelble/internal/link"
)

func main() {
	name := flag.String("name", ble.DefaultDeviceName, "advertised device name")
	timeout := flag.Duration("timeout", 15*time.Second, "scan and connect timeout")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := link.DefaultOptions()
	opts.Filter = ble.NameFilter{Name: *name}
	ctrl := link.NewController(ble.NewTinygoAdapter(), opts)
	go ctrl.Run(ctx) //nolint:errcheck

	fmt.Printf("Scanning for %q...\n", *name)
	if err := ctrl.StartScan(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	devices, stop := ctrl.Devices().Subscribe()
	var target ble.Peripheral
	deadline := time.After(*timeout)
wait:
	for {
		select {
		case list := <-devices:
			if len(list) > 0 {
				target = list[0]
				break wait
			}
		case <-deadline:
			stop()
			fmt.Println("Error: no device found")
			return
		}
	}
	stop()

	fmt.Printf("Connecting to %s...\n", target.Address)
	if err := ctrl.Connect(target.Address); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if !waitReady(ctrl, *timeout) {
		fmt.Printf("Error: not ready: %v\n", ctrl.LastError().Get())
		return
	}

	colours := []protocol.Instruction{
		protocol.SetAll{Brightness: 60, R: 255},
		protocol.SetAll{Brightness: 60, G: 255},
		protocol.SetAll{Brightness: 60, B: 255},
		protocol.SetPixel{Index: 0, Brightness: 120, R: 255, G: 255, B: 255},
		protocol.ClearAll{},
	}
	for _, in := range colours {
		fmt.Printf("-> %s\n", protocol.Encode(in))
		if err := ctrl.Send(in); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		time.Sleep(time.Second)
		if r, ok := ctrl.Telemetry().Get()[target.Address]; ok {
			fmt.Printf("   %s\n", r)
		}
	}

	if err := ctrl.Disconnect(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("\nDone!")
}

func waitReady(ctrl *link.Controller, timeout time.Duration) bool {
	ch, stop := ctrl.Connected().Subscribe()
	defer stop()
	deadline := time.After(timeout)
	for {
		select {
		case ok := <-ch:
			if ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
