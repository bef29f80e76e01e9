package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// errMTUUnsupported is returned by RequestMTU: tinygo/bluetooth has no
// explicit MTU exchange; BlueZ and CoreBluetooth negotiate it themselves.
var errMTUUnsupported = errors.New("ble: explicit MTU request not supported by platform")

// TinygoAdapter wraps tinygo-org/bluetooth. Addresses are MAC strings on
// Linux and Windows and CoreBluetooth UUID strings on macOS.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by address
}

// NewTinygoAdapter creates a BLE adapter backed by the default radio.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports link changes through one adapter-level
	// handler; route disconnects to the owning connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, handler func(Peripheral)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		handler(Peripheral{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{
			ConnectionTimeout: bluetooth.NewDuration(10 * time.Second),
		})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The platform connect cannot be cancelled; drop the link if it
		// still comes up.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, &ConnectionFailedError{Status: StatusFailedToEstablish, Err: result.err}
		}
		conn := &tinygoConnection{
			adapter: a,
			address: address,
			device:  result.device,
		}

		// Track this connection so the adapter-level handler can find it.
		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

func (a *TinygoAdapter) forget(address string, conn *tinygoConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connections[address] == conn {
		delete(a.connections, address)
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	adapter *TinygoAdapter
	address string
	device  bluetooth.Device

	closing atomic.Bool
	closed  atomic.Bool

	mu           sync.Mutex
	disconnectCb func(Status)
	fired        bool
}

func (c *tinygoConnection) RequestHighPriority() error {
	// 7.5ms–15ms is the range Android uses for CONNECTION_PRIORITY_HIGH.
	return c.device.RequestConnectionParams(bluetooth.ConnectionParams{
		MinInterval: bluetooth.NewDuration(7500 * time.Microsecond),
		MaxInterval: bluetooth.NewDuration(15 * time.Millisecond),
		Timeout:     bluetooth.NewDuration(5 * time.Second),
	})
}

func (c *tinygoConnection) RequestMTU(mtu int) error {
	return errMTUUnsupported
}

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	// Discover without a filter: a filtered lookup reports a missing
	// attribute as an error indistinguishable from a failed exchange.
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, &ConnectionFailedError{Status: StatusGattError, Err: fmt.Errorf("discover services: %w", err)}
	}
	svc, ok := findService(svcs, svcUUID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUUID)
	}

	chars, err := svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, &ConnectionFailedError{Status: StatusGattError, Err: fmt.Errorf("discover characteristics: %w", err)}
	}
	char, ok := findCharacteristic(chars, charUUIDParsed)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
	}

	return &tinygoCharacteristic{char: char}, nil
}

func findService(svcs []bluetooth.DeviceService, id bluetooth.UUID) (bluetooth.DeviceService, bool) {
	for _, svc := range svcs {
		if svc.UUID() == id {
			return svc, true
		}
	}
	return bluetooth.DeviceService{}, false
}

func findCharacteristic(chars []bluetooth.DeviceCharacteristic, id bluetooth.UUID) (bluetooth.DeviceCharacteristic, bool) {
	for _, char := range chars {
		if char.UUID() == id {
			return char, true
		}
	}
	return bluetooth.DeviceCharacteristic{}, false
}

func (c *tinygoConnection) Disconnect() error {
	c.closing.Store(true)
	return c.device.Disconnect()
}

func (c *tinygoConnection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.adapter.forget(c.address, c)
	return nil
}

func (c *tinygoConnection) OnDisconnect(cb func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// fireDisconnect reports the link going down. tinygo/bluetooth does not
// expose the HCI reason, so a drop we did not request is reported as a
// supervision timeout.
func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return
	}
	c.fired = true
	cb := c.disconnectCb
	c.mu.Unlock()

	status := StatusConnectionTimeout
	if c.closing.Load() {
		status = StatusSuccess
	}
	slog.Debug("[BLE] platform disconnect", "address", c.address, "status", status)
	if cb != nil {
		cb(status)
	}
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) EnableNotifications(cb func([]byte)) error {
	// The platform writes the CCCD itself.
	err := c.char.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data)
	})
	if err == nil {
		return nil
	}
	if notifyUnsupported(err) {
		return fmt.Errorf("%w: %v", ErrDescriptorNotFound, err)
	}
	return &ConnectionFailedError{Status: StatusGattError, Err: fmt.Errorf("enable notifications: %w", err)}
}

// notifyUnsupported reports whether err means the characteristic cannot
// notify at all, as opposed to a descriptor write that failed. BlueZ
// answers StartNotify with org.bluez.Error.NotSupported in that case.
func notifyUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "notsupported") || strings.Contains(msg, "not supported")
}
