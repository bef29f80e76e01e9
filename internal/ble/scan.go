package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Scanner owns one discovery session at a time. While active it emits each
// advertisement accepted by its Filter exactly once per address.
type Scanner struct {
	adapter Adapter
	filter  Filter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewScanner creates a Scanner that surfaces advertisements matching filter.
func NewScanner(adapter Adapter, filter Filter) *Scanner {
	return &Scanner{adapter: adapter, filter: filter}
}

// Start begins a scan session. The returned channel yields deduplicated
// matching peripherals and is closed when the session ends, either by Stop,
// by ctx, or by an adapter failure (see Err).
func (s *Scanner) Start(ctx context.Context) (<-chan Peripheral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, ErrScanInProgress
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Peripheral, 16)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.err = nil

	go func() {
		defer close(done)
		defer close(out)

		var seenMu sync.Mutex
		seen := make(map[string]bool)
		err := s.adapter.Scan(ctx, func(p Peripheral) {
			if !s.filter.Match(p) {
				return
			}
			seenMu.Lock()
			dup := seen[p.Address]
			seen[p.Address] = true
			seenMu.Unlock()
			if dup {
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
			}
		})

		s.mu.Lock()
		if err != nil && ctx.Err() == nil {
			slog.Error("[BLE] scan failed", "error", err)
			s.err = fmt.Errorf("%w: %v", ErrScanUnavailable, err)
		}
		if s.done == done {
			s.cancel = nil
			s.done = nil
		}
		s.mu.Unlock()
		cancel()
	}()

	slog.Debug("[BLE] scan started")
	return out, nil
}

// Stop ends the current scan session and waits for the adapter to release
// the radio. Calling Stop when not scanning is a no-op.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Debug("[BLE] scan stopped")
}

// Scanning reports whether a scan session is active.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Err returns the error that ended the most recent session, if the adapter
// failed rather than being stopped.
func (s *Scanner) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
