package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/pixelble/internal/ble/protocol"
)

// SimAdapter is an in-process stand-in for a radio with one PixelBLE
// peripheral nearby. It advertises the peripheral (plus an unrelated
// device), accepts one connection at a time, logs command writes and
// notifies synthetic telemetry.
type SimAdapter struct {
	Peripheral Peripheral
	// AdvertiseInterval is the delay between advertisement rounds.
	AdvertiseInterval time.Duration
	// TelemetryInterval is the delay between telemetry notifications.
	TelemetryInterval time.Duration
}

// NewSimAdapter returns a SimAdapter advertising a peripheral named name.
func NewSimAdapter(name string) *SimAdapter {
	return &SimAdapter{
		Peripheral:        Peripheral{Address: "0C:8B:95:00:5E:01", Name: name, RSSI: -52},
		AdvertiseInterval: 250 * time.Millisecond,
		TelemetryInterval: time.Second,
	}
}

func (a *SimAdapter) Enable() error { return nil }

func (a *SimAdapter) Scan(ctx context.Context, handler func(Peripheral)) error {
	other := Peripheral{Address: "4A:11:02:9C:7E:33", Name: "Headphones", RSSI: -70}
	ticker := time.NewTicker(a.AdvertiseInterval)
	defer ticker.Stop()
	for {
		handler(a.Peripheral)
		handler(other)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *SimAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	if address != a.Peripheral.Address {
		return nil, &ConnectionFailedError{Status: StatusFailedToEstablish, Err: fmt.Errorf("no peripheral at %s", address)}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return &simConnection{interval: a.TelemetryInterval, stop: make(chan struct{})}, nil
}

var _ Adapter = (*SimAdapter)(nil)

type simConnection struct {
	interval time.Duration

	mu           sync.Mutex
	disconnectCb func(Status)
	stop         chan struct{}
	stopped      bool
}

func (c *simConnection) RequestHighPriority() error { return nil }
func (c *simConnection) RequestMTU(int) error       { return nil }

func (c *simConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	return &simCharacteristic{conn: c}, nil
}

func (c *simConnection) Disconnect() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stop)
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		go cb(StatusSuccess)
	}
	return nil
}

func (c *simConnection) Close() error { return nil }

func (c *simConnection) OnDisconnect(cb func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

type simCharacteristic struct {
	conn *simConnection
}

func (c *simCharacteristic) Write(data []byte) error {
	slog.Info("[SIM] command received", "payload", string(data))
	return nil
}

func (c *simCharacteristic) EnableNotifications(cb func([]byte)) error {
	go func() {
		ticker := time.NewTicker(c.conn.interval)
		defer ticker.Stop()
		var r protocol.Reading
		for n := 0; ; n++ {
			select {
			case <-c.conn.stop:
				return
			case <-ticker.C:
			}
			r.Digital = n % 2
			r.Analog = (n * 137) % 4096
			cb(append(protocol.EncodeTelemetry(r), '\n'))
		}
	}()
	return nil
}
