package link

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/pixelble/internal/ble"
)

// DefaultReconnectDelay is the fixed wait before a reconnect attempt.
const DefaultReconnectDelay = 3 * time.Second

// ReconnectPolicy holds at most one scheduled retry of the last target.
// Every Schedule or Cancel bumps a generation so a timer that fires after
// being superseded is recognised and ignored by Claim.
type ReconnectPolicy struct {
	delay time.Duration

	mu       sync.Mutex
	gen      uint64
	timer    *time.Timer
	target   ble.Peripheral
	pending  bool
	attempts int
}

// NewReconnectPolicy returns a policy retrying after delay.
func NewReconnectPolicy(delay time.Duration) *ReconnectPolicy {
	if delay < 0 {
		delay = 0
	}
	return &ReconnectPolicy{delay: delay}
}

// Delay returns the fixed retry delay.
func (p *ReconnectPolicy) Delay() time.Duration { return p.delay }

// Schedule arms a single retry of target, replacing any pending one. After
// the delay fire is called with the generation to pass to Claim.
func (p *ReconnectPolicy) Schedule(target ble.Peripheral, fire func(gen uint64)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.gen++
	gen := p.gen
	p.target = target
	p.pending = true
	p.attempts++
	p.timer = time.AfterFunc(p.delay, func() { fire(gen) })

	slog.Info("[LINK] reconnect scheduled", "address", target.Address, "delay", p.delay, "attempt", p.attempts)
}

// Claim consumes the retry for gen. It returns the target to reconnect to,
// or false if the retry was cancelled or superseded.
func (p *ReconnectPolicy) Claim(gen uint64) (ble.Peripheral, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending || gen != p.gen {
		return ble.Peripheral{}, false
	}
	p.pending = false
	p.timer = nil
	return p.target, true
}

// Cancel drops any pending retry and resets the attempt count.
func (p *ReconnectPolicy) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		slog.Debug("[LINK] reconnect cancelled", "address", p.target.Address)
	}
	p.stopLocked()
	p.gen++
	p.pending = false
	p.attempts = 0
}

// Pending returns the target of a scheduled retry, if any.
func (p *ReconnectPolicy) Pending() (ble.Peripheral, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target, p.pending
}

// Attempts returns how many retries were scheduled since the last Cancel.
func (p *ReconnectPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *ReconnectPolicy) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
