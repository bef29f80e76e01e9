package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/pixelble/internal/ble/protocol"
)

// Phase is the lifecycle position of a single connection attempt.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseDiscovering
	PhaseReady
	// PhaseDisconnected is terminal. A new attempt needs a new Session.
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseDiscovering:
		return "discovering"
	case PhaseReady:
		return "ready"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SessionOptions configures GATT negotiation.
type SessionOptions struct {
	ServiceUUID        string
	CharacteristicUUID string
	MTU                int           // requested ATT MTU
	SettleDelay        time.Duration // wait after priority/MTU requests before discovery
}

// DefaultSessionOptions returns the PixelBLE layout and negotiation defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		MTU:                517,
		SettleDelay:        600 * time.Millisecond,
	}
}

// SessionCallbacks receive asynchronous session events. Any may be nil.
// They are invoked from platform goroutines and must not block.
type SessionCallbacks struct {
	// OnLinkUp fires once the link is established, before negotiation.
	OnLinkUp func()
	// OnReading fires for every telemetry frame accepted while ready.
	OnReading func(protocol.Reading)
	// OnDisconnect fires at most once, when the platform reports link loss
	// or confirms a requested teardown.
	OnDisconnect func(Status)
}

// Session owns the single physical link for one connection attempt.
type Session struct {
	adapter   Adapter
	target    Peripheral
	opts      SessionOptions
	callbacks SessionCallbacks

	mu      sync.Mutex
	phase   Phase
	conn    Connection
	char    Characteristic
	closing bool

	releaseOnce sync.Once
}

// NewSession creates a session for target. Nothing happens until Open.
func NewSession(adapter Adapter, target Peripheral, opts SessionOptions, callbacks SessionCallbacks) *Session {
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = DefaultServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = DefaultCharacteristicUUID
	}
	if opts.MTU <= 0 {
		opts.MTU = 517
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	return &Session{
		adapter:   adapter,
		target:    target,
		opts:      opts,
		callbacks: callbacks,
	}
}

// Target returns the peripheral this session connects to.
func (s *Session) Target() Peripheral { return s.target }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Open connects to the target and negotiates the session: high priority,
// MTU, settle delay, characteristic discovery and notification enablement.
// Priority and MTU failures are logged only. On any error the link handle
// is released before Open returns.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return fmt.Errorf("ble: session already %s", s.phase)
	}
	s.phase = PhaseConnecting
	s.mu.Unlock()

	log := slog.With("address", s.target.Address)
	log.Info("[BLE] connecting")

	conn, err := s.adapter.Connect(ctx, s.target.Address)
	if err != nil {
		s.setPhase(PhaseDisconnected)
		if ctx.Err() != nil {
			return fmt.Errorf("ble: connect to %s: %w", s.target.Address, ctx.Err())
		}
		var cfe *ConnectionFailedError
		if errors.As(err, &cfe) {
			return err
		}
		return &ConnectionFailedError{Status: StatusFailedToEstablish, Err: err}
	}

	s.mu.Lock()
	if s.phase != PhaseConnecting {
		// Closed while the platform was still connecting.
		s.mu.Unlock()
		_ = conn.Disconnect()
		_ = conn.Close()
		return fmt.Errorf("ble: connect to %s: %w", s.target.Address, context.Canceled)
	}
	s.conn = conn
	s.mu.Unlock()

	conn.OnDisconnect(s.handleDisconnect)
	if cb := s.callbacks.OnLinkUp; cb != nil {
		cb()
	}

	if err := conn.RequestHighPriority(); err != nil {
		log.Warn("[BLE] connection priority request ignored", "error", err)
	}
	if err := conn.RequestMTU(s.opts.MTU); err != nil {
		log.Warn("[BLE] MTU request ignored", "mtu", s.opts.MTU, "error", err)
	}

	// Some stacks race parameter negotiation against service discovery.
	select {
	case <-ctx.Done():
		s.abort()
		return fmt.Errorf("ble: negotiate %s: %w", s.target.Address, ctx.Err())
	case <-time.After(s.opts.SettleDelay):
	}

	if !s.advance(PhaseConnecting, PhaseDiscovering) {
		return s.lostDuringOpen()
	}

	char, err := conn.DiscoverCharacteristic(s.opts.ServiceUUID, s.opts.CharacteristicUUID)
	if err != nil {
		s.abort()
		return gattFailure("discover characteristic", err)
	}
	if err := char.EnableNotifications(s.handleNotification); err != nil {
		s.abort()
		return gattFailure("enable notifications", err)
	}
	if ctx.Err() != nil {
		s.abort()
		return fmt.Errorf("ble: negotiate %s: %w", s.target.Address, ctx.Err())
	}

	s.mu.Lock()
	if s.phase != PhaseDiscovering {
		s.mu.Unlock()
		return s.lostDuringOpen()
	}
	s.char = char
	s.phase = PhaseReady
	s.mu.Unlock()

	log.Info("[BLE] session ready")
	return nil
}

// Send writes payload to the characteristic. Nothing is written unless the
// session is ready; there is no queue.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	if s.phase != PhaseReady {
		s.mu.Unlock()
		return ErrNotReady
	}
	char := s.char
	s.mu.Unlock()

	if err := char.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Close requests teardown of the link. OnDisconnect fires once the
// platform confirms. A session that never got a link is released directly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.phase == PhaseDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	if conn == nil {
		s.phase = PhaseDisconnected
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	slog.Info("[BLE] disconnecting", "address", s.target.Address)
	if err := conn.Disconnect(); err != nil {
		return &ConnectionFailedError{Status: StatusLocalTerminated, Err: err}
	}
	return nil
}

// Release drops the session without waiting for the platform, closing the
// link handle. Used when a teardown confirmation never arrives.
func (s *Session) Release() {
	s.mu.Lock()
	s.phase = PhaseDisconnected
	conn := s.conn
	s.conn = nil
	s.char = nil
	s.mu.Unlock()
	s.closeHandle(conn)
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// advance moves from -> to and reports whether the session was still in from.
func (s *Session) advance(from, to Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return false
	}
	s.phase = to
	return true
}

// abort tears the link down after a negotiation failure. The session is
// marked disconnected first so the platform's confirmation is not reported
// as a link loss.
func (s *Session) abort() {
	s.mu.Lock()
	s.closing = true
	s.phase = PhaseDisconnected
	conn := s.conn
	s.conn = nil
	s.char = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Disconnect()
	}
	s.closeHandle(conn)
}

// gattFailure classifies a negotiation error. A missing service,
// characteristic or descriptor is terminal; anything else is a link-level
// failure the caller may retry.
func gattFailure(step string, err error) error {
	if errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrCharacteristicNotFound) ||
		errors.Is(err, ErrDescriptorNotFound) {
		return fmt.Errorf("ble: %s: %w", step, err)
	}
	var cfe *ConnectionFailedError
	if errors.As(err, &cfe) {
		return err
	}
	return &ConnectionFailedError{Status: StatusGattError, Err: fmt.Errorf("%s: %w", step, err)}
}

func (s *Session) lostDuringOpen() error {
	if s.isClosing() {
		return fmt.Errorf("ble: negotiate %s: %w", s.target.Address, context.Canceled)
	}
	return &ConnectionFailedError{Status: StatusConnectionTimeout, Err: errors.New("link lost during negotiation")}
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session) closeHandle(conn Connection) {
	if conn == nil {
		return
	}
	s.releaseOnce.Do(func() {
		if err := conn.Close(); err != nil {
			slog.Warn("[BLE] close link handle", "address", s.target.Address, "error", err)
		}
	})
}

func (s *Session) handleDisconnect(status Status) {
	s.mu.Lock()
	if s.phase == PhaseDisconnected && s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseDisconnected
	conn := s.conn
	s.conn = nil
	s.char = nil
	s.mu.Unlock()

	s.closeHandle(conn)
	slog.Info("[BLE] disconnected", "address", s.target.Address, "status", status)
	if cb := s.callbacks.OnDisconnect; cb != nil {
		cb(status)
	}
}

func (s *Session) handleNotification(data []byte) {
	s.mu.Lock()
	ready := s.phase == PhaseReady
	s.mu.Unlock()
	if !ready {
		return
	}

	reading, ok := protocol.DecodeTelemetry(data)
	if !ok {
		slog.Debug("[BLE] dropped frame", "error", ErrMalformedTelemetry, "payload", string(data))
		return
	}
	if cb := s.callbacks.OnReading; cb != nil {
		cb(reading)
	}
}
