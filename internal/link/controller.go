// Package link runs the connection lifecycle for one PixelBLE peripheral:
// discovery, the GATT session, reconnects and the observable state surface.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/pixelble/internal/ble"
	"github.com/chaz8081/pixelble/internal/ble/protocol"
	"github.com/chaz8081/pixelble/internal/observable"
)

// DefaultDisconnectTimeout bounds how long a requested teardown waits for
// the platform to confirm before the link is released locally.
const DefaultDisconnectTimeout = 5 * time.Second

var errLinkLost = errors.New("link lost")

// Presence mirrors telemetry into an OS-level indicator. OnTelemetryUpdated
// is called from the controller's event loop and must return quickly.
type Presence interface {
	OnTelemetryUpdated(text string)
}

// Options configures a Controller.
type Options struct {
	// Filter selects which advertisements are surfaced. Defaults to the
	// PixelBLE device name.
	Filter            ble.Filter
	Session           ble.SessionOptions
	ReconnectDelay    time.Duration
	DisconnectTimeout time.Duration
	// Presence is optional.
	Presence Presence
}

// DefaultOptions returns the standard PixelBLE controller options.
func DefaultOptions() Options {
	return Options{
		Filter:            ble.NameFilter{Name: ble.DefaultDeviceName},
		Session:           ble.DefaultSessionOptions(),
		ReconnectDelay:    DefaultReconnectDelay,
		DisconnectTimeout: DefaultDisconnectTimeout,
	}
}

// Controller is the connection state machine. All state changes happen on
// the goroutine running Run; callers and platform callbacks post events to
// it and observe the results through the observable values.
type Controller struct {
	adapter   ble.Adapter
	opts      Options
	scanner   *ble.Scanner
	reconnect *ReconnectPolicy

	events  chan event
	done    chan struct{}
	running atomic.Bool

	// Owned by the event loop.
	ctx             context.Context
	state           SessionState
	radio           bool
	devices         []ble.Peripheral
	telemetry       map[string]protocol.Reading
	scanGen         uint64
	session         *ble.Session
	attempt         uuid.UUID
	cancelOpen      context.CancelFunc
	callerTeardown  bool
	disconnectTimer *time.Timer
	published       Snapshot

	status       *observable.Value[Status]
	sessionState *observable.Value[SessionState]
	deviceList   *observable.Value[[]ble.Peripheral]
	connected    *observable.Value[bool]
	target       *observable.Value[string]
	readings     *observable.Value[map[string]protocol.Reading]
	lastError    *observable.Value[error]
	radioEnabled *observable.Value[bool]
	snapshot     *observable.Value[Snapshot]
}

// NewController creates a controller for adapter. Call Run to start it.
func NewController(adapter ble.Adapter, opts Options) *Controller {
	if opts.Filter == nil {
		opts.Filter = ble.NameFilter{Name: ble.DefaultDeviceName}
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}

	initial := Snapshot{Status: StatusIdle, Devices: []ble.Peripheral{}, Telemetry: map[string]protocol.Reading{}}
	return &Controller{
		adapter:   adapter,
		opts:      opts,
		scanner:   ble.NewScanner(adapter, opts.Filter),
		reconnect: NewReconnectPolicy(opts.ReconnectDelay),
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		telemetry: map[string]protocol.Reading{},
		devices:   []ble.Peripheral{},
		published: initial,

		status:       observable.NewValue(StatusIdle),
		sessionState: observable.NewValue(SessionState{}),
		deviceList:   observable.NewValue(initial.Devices),
		connected:    observable.NewValue(false),
		target:       observable.NewValue(""),
		readings:     observable.NewValue(initial.Telemetry),
		lastError:    observable.NewValue[error](nil),
		radioEnabled: observable.NewValue(false),
		snapshot:     observable.NewValue(initial),
	}
}

// Run enables the radio and processes events until ctx is cancelled. On
// return any session is torn down and further requests fail with ErrClosed.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("link: controller already running")
	}
	defer close(c.done)
	c.ctx = ctx

	if err := c.adapter.Enable(); err != nil {
		slog.Error("[LINK] enable radio", "error", err)
		c.setError(fmt.Errorf("%w: %v", ble.ErrScanUnavailable, err))
	} else {
		c.radio = true
		slog.Info("[LINK] radio enabled")
	}
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
		}
	}
}

// StartScan begins discovery. It fails with ble.ErrScanInProgress when
// already scanning and ErrBusy while a session exists; in both cases the
// discovered list and status are left untouched.
func (c *Controller) StartScan() error { return c.request(opStartScan, "", nil) }

// StopScan ends discovery. It is a no-op when not scanning.
func (c *Controller) StopScan() error { return c.request(opStopScan, "", nil) }

// Connect starts a session with the peripheral at address. A scan in
// progress is stopped and any pending reconnect is cancelled. Connecting to
// the current target again is a no-op; any other address fails with ErrBusy
// until Disconnect.
func (c *Controller) Connect(address string) error { return c.request(opConnect, address, nil) }

// SendCommand writes payload to the peripheral. Nothing is written unless
// the session is ready, in which case ble.ErrNotReady is returned.
func (c *Controller) SendCommand(payload []byte) error {
	return c.request(opSend, "", payload)
}

// Send encodes in and writes it like SendCommand.
func (c *Controller) Send(in protocol.Instruction) error {
	return c.SendCommand(protocol.Encode(in))
}

// Disconnect tears the session down and suppresses reconnects until the
// next Connect. The target's telemetry is cleared.
func (c *Controller) Disconnect() error { return c.request(opDisconnect, "", nil) }

// Status returns the connection status observable.
func (c *Controller) Status() *observable.Value[Status] { return c.status }

// State returns the current session record.
func (c *Controller) State() SessionState { return c.sessionState.Get() }

// Devices returns the discovered peripheral list observable.
func (c *Controller) Devices() *observable.Value[[]ble.Peripheral] { return c.deviceList }

// Connected returns an observable that is true while the session is ready.
func (c *Controller) Connected() *observable.Value[bool] { return c.connected }

// Target returns the current target address observable ("" when absent).
func (c *Controller) Target() *observable.Value[string] { return c.target }

// Telemetry returns the latest reading per peripheral address.
func (c *Controller) Telemetry() *observable.Value[map[string]protocol.Reading] {
	return c.readings
}

// LastError returns the most recent surfaced error (nil when absent).
func (c *Controller) LastError() *observable.Value[error] { return c.lastError }

// RadioEnabled reports whether the adapter was enabled.
func (c *Controller) RadioEnabled() *observable.Value[bool] { return c.radioEnabled }

// Snapshots returns an observable of the whole state surface.
func (c *Controller) Snapshots() *observable.Value[Snapshot] { return c.snapshot }

// Snapshot returns the current state surface.
func (c *Controller) Snapshot() Snapshot { return c.snapshot.Get() }

// SubscribeSnapshots returns a channel seeded with the current snapshot
// that receives each later change, and a func to unsubscribe.
func (c *Controller) SubscribeSnapshots() (<-chan Snapshot, func()) {
	return c.snapshot.Subscribe()
}

// request posts a caller operation to the loop and waits for it to be
// accepted or refused. It blocks until Run is started.
func (c *Controller) request(kind op, address string, payload []byte) error {
	req := &request{op: kind, address: address, payload: payload, reply: make(chan error, 1)}
	select {
	case c.events <- req:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// post delivers a platform event to the loop, giving up once Run returns.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// tryPost delivers ev only if the loop has room. Telemetry is a gauge, so
// dropping a sample under load is acceptable.
func (c *Controller) tryPost(ev event) {
	select {
	case c.events <- ev:
	default:
		slog.Debug("[LINK] event queue full, dropping reading")
	}
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case *request:
		// Publish before replying so the caller observes the effect.
		err := c.handleRequest(ev)
		c.publish()
		ev.reply <- err
	case advertEvent:
		c.handleAdvert(ev)
	case scanEndedEvent:
		c.handleScanEnded(ev)
	case linkUpEvent:
		if ev.attempt == c.attempt && c.state.Status == StatusConnecting {
			c.state.Status = StatusNegotiating
		}
	case openResultEvent:
		c.handleOpenResult(ev)
	case readingEvent:
		c.handleReading(ev)
	case linkLostEvent:
		c.handleLinkLost(ev)
	case retryEvent:
		c.handleRetry(ev)
	case disconnectTimeoutEvent:
		if ev.attempt == c.attempt && c.state.Status == StatusDisconnecting {
			slog.Warn("[LINK] disconnect not confirmed, releasing link", "address", c.state.Target.Address)
			c.session.Release()
			c.finishDisconnect()
		}
	}
}

func (c *Controller) handleRequest(req *request) error {
	switch req.op {
	case opStartScan:
		return c.startScan()
	case opStopScan:
		c.stopScan()
		return nil
	case opConnect:
		return c.connect(req.address)
	case opSend:
		return c.send(req.payload)
	case opDisconnect:
		return c.disconnect()
	}
	return fmt.Errorf("link: unknown request %d", req.op)
}

func (c *Controller) startScan() error {
	if !c.radio {
		return ErrRadioDisabled
	}
	switch c.state.Status {
	case StatusIdle:
	case StatusScanning:
		return ble.ErrScanInProgress
	default:
		return ErrBusy
	}

	ch, err := c.scanner.Start(c.ctx)
	if err != nil {
		c.setError(err)
		return err
	}
	c.scanGen++
	c.devices = []ble.Peripheral{}
	c.state.Status = StatusScanning
	go c.forwardScan(c.scanGen, ch)
	slog.Info("[LINK] scanning")
	return nil
}

func (c *Controller) forwardScan(gen uint64, ch <-chan ble.Peripheral) {
	for p := range ch {
		c.post(advertEvent{gen: gen, peripheral: p})
	}
	c.post(scanEndedEvent{gen: gen, err: c.scanner.Err()})
}

func (c *Controller) stopScan() {
	if c.state.Status != StatusScanning {
		return
	}
	c.scanGen++
	c.scanner.Stop()
	c.state.Status = StatusIdle
	slog.Info("[LINK] scan stopped", "found", len(c.devices))
}

func (c *Controller) handleAdvert(ev advertEvent) {
	if ev.gen != c.scanGen || c.state.Status != StatusScanning {
		return
	}
	if slices.ContainsFunc(c.devices, func(p ble.Peripheral) bool { return p.Address == ev.peripheral.Address }) {
		return
	}
	slog.Info("[LINK] discovered", "address", ev.peripheral.Address, "name", ev.peripheral.Name, "rssi", ev.peripheral.RSSI)
	// Clip so the published slice is never appended to in place.
	c.devices = append(slices.Clip(c.devices), ev.peripheral)
}

func (c *Controller) handleScanEnded(ev scanEndedEvent) {
	if ev.gen != c.scanGen || c.state.Status != StatusScanning {
		return
	}
	c.state.Status = StatusIdle
	if ev.err != nil {
		c.setError(ev.err)
	}
}

func (c *Controller) connect(address string) error {
	if address == "" {
		return errors.New("link: empty address")
	}
	if !c.radio {
		return ErrRadioDisabled
	}
	if t := c.state.Target; t != nil {
		if t.Address == address && c.state.Status != StatusDisconnecting {
			return nil
		}
		return ErrBusy
	}

	target := ble.Peripheral{Address: address}
	if i := slices.IndexFunc(c.devices, func(p ble.Peripheral) bool { return p.Address == address }); i >= 0 {
		target = c.devices[i]
	} else if p, ok := c.reconnect.Pending(); ok && p.Address == address {
		target = p
	}

	c.reconnect.Cancel()
	c.beginAttempt(target)
	return nil
}

// beginAttempt opens a fresh session for target. Any scan is stopped and
// the discovered list cleared first.
func (c *Controller) beginAttempt(target ble.Peripheral) {
	c.stopScan()
	c.devices = []ble.Peripheral{}

	id := uuid.New()
	c.attempt = id
	c.callerTeardown = false
	c.state.Status = StatusConnecting
	c.state.Target = &target

	c.session = ble.NewSession(c.adapter, target, c.opts.Session, ble.SessionCallbacks{
		OnLinkUp:     func() { c.post(linkUpEvent{attempt: id}) },
		OnReading:    func(r protocol.Reading) { c.tryPost(readingEvent{attempt: id, reading: r}) },
		OnDisconnect: func(st ble.Status) { c.post(linkLostEvent{attempt: id, status: st}) },
	})
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelOpen = cancel

	session := c.session
	go func() {
		err := session.Open(ctx)
		c.post(openResultEvent{attempt: id, err: err})
	}()
	slog.Info("[LINK] connecting", "address", target.Address, "attempt", id)
}

func (c *Controller) handleOpenResult(ev openResultEvent) {
	if ev.attempt != c.attempt {
		return
	}
	if c.callerTeardown {
		// Open was cancelled by Disconnect; no confirmation will follow if
		// the link never came up.
		if ev.err != nil {
			c.finishDisconnect()
		}
		return
	}
	if ev.err == nil {
		c.state.Status = StatusReady
		c.state.LastError = nil
		c.reconnect.Cancel()
		slog.Info("[LINK] session ready", "address", c.state.Target.Address)
		return
	}

	target := *c.state.Target
	slog.Warn("[LINK] connect failed", "address", target.Address, "error", ev.err)
	c.endSession()
	c.setError(ev.err)

	var cfe *ble.ConnectionFailedError
	if errors.As(ev.err, &cfe) {
		c.scheduleReconnect(target)
	}
}

func (c *Controller) handleReading(ev readingEvent) {
	if ev.attempt != c.attempt || c.state.Status != StatusReady {
		return
	}
	address := c.state.Target.Address
	next := maps.Clone(c.telemetry)
	next[address] = ev.reading
	c.telemetry = next
	if c.opts.Presence != nil {
		c.opts.Presence.OnTelemetryUpdated(ev.reading.String())
	}
}

func (c *Controller) handleLinkLost(ev linkLostEvent) {
	if ev.attempt != c.attempt {
		return
	}
	if c.callerTeardown {
		if ev.status != ble.StatusSuccess {
			slog.Warn("[LINK] teardown reported failure", "status", ev.status)
		}
		c.finishDisconnect()
		return
	}

	target := *c.state.Target
	c.endSession()
	if ev.status == ble.StatusSuccess {
		slog.Info("[LINK] peripheral closed the link", "address", target.Address)
		return
	}

	slog.Warn("[LINK] link lost", "address", target.Address, "status", ev.status)
	c.setError(&ble.ConnectionFailedError{Status: ev.status, Err: errLinkLost})
	c.scheduleReconnect(target)
}

func (c *Controller) scheduleReconnect(target ble.Peripheral) {
	c.reconnect.Schedule(target, func(gen uint64) { c.post(retryEvent{gen: gen}) })
}

func (c *Controller) handleRetry(ev retryEvent) {
	target, ok := c.reconnect.Claim(ev.gen)
	if !ok {
		return
	}
	if c.state.Target != nil {
		slog.Debug("[LINK] reconnect skipped, session exists", "address", target.Address)
		return
	}
	slog.Info("[LINK] reconnecting", "address", target.Address, "attempt", c.reconnect.Attempts())
	c.beginAttempt(target)
}

func (c *Controller) send(payload []byte) error {
	if c.state.Status != StatusReady {
		slog.Debug("[LINK] dropped command, not ready", "status", c.state.Status)
		return ble.ErrNotReady
	}
	if err := c.session.Send(payload); err != nil {
		c.setError(err)
		return err
	}
	return nil
}

func (c *Controller) disconnect() error {
	pending, hadPending := c.reconnect.Pending()
	c.reconnect.Cancel()
	switch c.state.Status {
	case StatusDisconnecting:
		return nil
	case StatusIdle, StatusScanning:
		if hadPending {
			c.forgetTelemetry(pending.Address)
			slog.Info("[LINK] reconnect abandoned", "address", pending.Address)
		}
		return nil
	}

	c.callerTeardown = true
	c.state.Status = StatusDisconnecting
	c.cancelOpen()

	err := c.session.Close()
	if err != nil {
		slog.Warn("[LINK] disconnect", "error", err)
		c.setError(err)
		c.session.Release()
		c.finishDisconnect()
		return nil
	}
	id := c.attempt
	c.disconnectTimer = time.AfterFunc(c.opts.DisconnectTimeout, func() {
		c.post(disconnectTimeoutEvent{attempt: id})
	})
	return nil
}

// finishDisconnect completes a caller-initiated teardown.
func (c *Controller) finishDisconnect() {
	address := c.state.Target.Address
	c.endSession()
	c.forgetTelemetry(address)
	slog.Info("[LINK] disconnected", "address", address)
}

func (c *Controller) forgetTelemetry(address string) {
	if _, ok := c.telemetry[address]; !ok {
		return
	}
	next := maps.Clone(c.telemetry)
	delete(next, address)
	c.telemetry = next
}

// endSession returns to Idle and forgets the session and its target.
func (c *Controller) endSession() {
	if c.disconnectTimer != nil {
		c.disconnectTimer.Stop()
		c.disconnectTimer = nil
	}
	if c.cancelOpen != nil {
		c.cancelOpen()
		c.cancelOpen = nil
	}
	c.session = nil
	c.attempt = uuid.Nil
	c.callerTeardown = false
	c.state.Status = StatusIdle
	c.state.Target = nil
}

func (c *Controller) setError(err error) {
	c.state.LastError = err
}

func (c *Controller) shutdown() {
	c.reconnect.Cancel()
	c.stopScan()
	if c.session != nil {
		c.callerTeardown = true
		if err := c.session.Close(); err != nil {
			slog.Warn("[LINK] disconnect on shutdown", "error", err)
		}
		c.session.Release()
		c.endSession()
	}
	c.publish()
	slog.Info("[LINK] controller stopped")
}

// publish pushes loop state to the observables that changed.
func (c *Controller) publish() {
	snap := c.buildSnapshot()
	prev := c.published

	if snap.Status != prev.Status {
		c.status.Set(snap.Status)
	}
	if cur := c.sessionState.Get(); cur.Status != c.state.Status || !sameTarget(cur.Target, c.state.Target) || cur.LastError != c.state.LastError {
		st := c.state
		if st.Target != nil {
			t := *st.Target
			st.Target = &t
		}
		c.sessionState.Set(st)
	}
	if !slices.Equal(snap.Devices, prev.Devices) {
		c.deviceList.Set(snap.Devices)
	}
	if snap.Connected != prev.Connected {
		c.connected.Set(snap.Connected)
	}
	if snap.Target != prev.Target {
		c.target.Set(snap.Target)
	}
	if !maps.Equal(snap.Telemetry, prev.Telemetry) {
		c.readings.Set(snap.Telemetry)
	}
	if c.lastError.Get() != c.state.LastError {
		c.lastError.Set(c.state.LastError)
	}
	if snap.RadioEnabled != prev.RadioEnabled {
		c.radioEnabled.Set(snap.RadioEnabled)
	}
	if !snap.equal(prev) {
		c.snapshot.Set(snap)
		c.published = snap
	}
}

func sameTarget(a, b *ble.Peripheral) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
