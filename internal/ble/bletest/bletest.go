// Package bletest provides scriptable fakes of the ble platform interfaces
// for tests of ble and the packages built on it.
package bletest

import (
	"context"
	"sync"

	"github.com/chaz8081/pixelble/internal/ble"
)

// Characteristic records writes and allows simulating notifications.
type Characteristic struct {
	mu        sync.Mutex
	writes    [][]byte
	callback  func([]byte)
	WriteErr  error
	NotifyErr error
}

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *Characteristic) EnableNotifications(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NotifyErr != nil {
		return c.NotifyErr
	}
	c.callback = cb
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *Characteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Subscribed reports whether notifications were enabled.
func (c *Characteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// Writes returns a copy of every payload written so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// Connection simulates a BLE link. Disconnect confirms asynchronously with
// StatusSuccess unless Silent is set.
type Connection struct {
	Char        *Characteristic
	DiscoverErr error
	PriorityErr error
	MTUErr      error
	Silent      bool

	mu           sync.Mutex
	disconnectCb func(ble.Status)
	disconnects  int
	closes       int
	mtu          int
}

// NewConnection returns a Connection with a fresh Characteristic.
func NewConnection() *Connection {
	return &Connection{Char: &Characteristic{}}
}

func (c *Connection) RequestHighPriority() error { return c.PriorityErr }

func (c *Connection) RequestMTU(mtu int) error {
	c.mu.Lock()
	c.mtu = mtu
	c.mu.Unlock()
	return c.MTUErr
}

func (c *Connection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if c.DiscoverErr != nil {
		return nil, c.DiscoverErr
	}
	return c.Char, nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil && !c.Silent {
		go cb(ble.StatusSuccess)
	}
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *Connection) OnDisconnect(cb func(ble.Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect fires the disconnect callback with status, as the
// platform does on link loss.
func (c *Connection) SimulateDisconnect(status ble.Status) {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Closes returns how many times Close was called.
func (c *Connection) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// RequestedMTU returns the MTU passed to RequestMTU.
func (c *Connection) RequestedMTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// Adapter simulates the BLE adapter.
type Adapter struct {
	mu          sync.Mutex
	adverts     []ble.Peripheral
	enableErr   error
	scanErr     error
	connectErr  error
	newConn     func() *Connection
	connections []*Connection
	dialed      []string
	scans       int
}

// NewAdapter returns an Adapter that replays adverts on every scan.
func NewAdapter(adverts ...ble.Peripheral) *Adapter {
	return &Adapter{adverts: adverts, newConn: NewConnection}
}

// SetEnableErr makes Enable fail.
func (a *Adapter) SetEnableErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableErr = err
}

// SetScanErr makes Scan fail immediately.
func (a *Adapter) SetScanErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanErr = err
}

// SetConnectErr makes Connect fail until cleared with nil.
func (a *Adapter) SetConnectErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// SetConnectionFactory customises connections handed out by Connect.
func (a *Adapter) SetConnectionFactory(fn func() *Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newConn = fn
}

// SetAdverts replaces the advertisements replayed by the next scan.
func (a *Adapter) SetAdverts(adverts ...ble.Peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.adverts = adverts
}

func (a *Adapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enableErr
}

// Scan replays the configured advertisements and then holds the radio
// until ctx is cancelled.
func (a *Adapter) Scan(ctx context.Context, handler func(ble.Peripheral)) error {
	a.mu.Lock()
	a.scans++
	adverts, scanErr := a.adverts, a.scanErr
	a.mu.Unlock()
	if scanErr != nil {
		return scanErr
	}
	for _, p := range adverts {
		handler(p)
	}
	<-ctx.Done()
	return nil
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialed = append(a.dialed, address)
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := a.newConn()
	a.connections = append(a.connections, conn)
	return conn, nil
}

// LatestConnection returns the most recently created connection, or nil.
func (a *Adapter) LatestConnection() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) == 0 {
		return nil
	}
	return a.connections[len(a.connections)-1]
}

// Dialed returns every address passed to Connect, in order.
func (a *Adapter) Dialed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.dialed...)
}

// Scans returns how many scan sessions were started.
func (a *Adapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// Compile-time interface checks.
var (
	_ ble.Adapter        = (*Adapter)(nil)
	_ ble.Connection     = (*Connection)(nil)
	_ ble.Characteristic = (*Characteristic)(nil)
)
