package loadbalancer

import (
	"sync"
	"time"

	"github.com/pzanna/mcp-broker/internal/mcptypes"
)

// BreakerConfig holds the tunables for a single agent's circuit breaker,
// sourced from the broker's configuration surface so an operator can
// retune or disable breaking entirely without a rebuild.
type BreakerConfig struct {
	Enabled      bool
	Threshold    int           // consecutive failures to trip from closed
	BaseCooldown time.Duration // initial open-state duration
	MaxCooldown  time.Duration // cap on the doubled cooldown
}

// DefaultBreakerConfig matches the protocol's stated defaults: trip after 5
// consecutive failures, open for 5s, doubling on each repeated trip up to a
// 60s ceiling — the same exponential-backoff shape go-claw's FailoverBrain
// applies to its own cooldown window.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:      true,
		Threshold:    5,
		BaseCooldown: 5 * time.Second,
		MaxCooldown:  60 * time.Second,
	}
}

// Breaker is a per-agent three-state circuit breaker: closed (normal),
// open (failing fast, no dispatch), half_open (single probe permitted).
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state            mcptypes.BreakerState
	consecutiveFails int
	openedAt         time.Time
	cooldown         time.Duration
	probeInFlight    bool
}

// NewBreaker returns a closed breaker governed by cfg. A disabled breaker
// always allows dispatch and never trips.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: mcptypes.BreakerClosed, cooldown: cfg.BaseCooldown}
}

// State reports the current state, first transitioning open -> half_open if
// the cooldown window has elapsed.
func (b *Breaker) State() mcptypes.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return mcptypes.BreakerClosed
	}
	b.maybeTransitionToHalfOpenLocked()
	return b.state
}

// Allow reports whether a dispatch attempt should proceed: true when
// closed, true exactly once per cooldown window when half_open (claiming
// the probe slot), false when open. Always true when disabled.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return true
	}
	b.maybeTransitionToHalfOpenLocked()

	switch b.state {
	case mcptypes.BreakerClosed:
		return true
	case mcptypes.BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default: // open
		return false
	}
}

// RecordSuccess closes the breaker (from any state) and resets its cooldown
// to the base value, matching the trip counter reset on a healthy probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = mcptypes.BreakerClosed
	b.consecutiveFails = 0
	b.cooldown = b.cfg.BaseCooldown
	b.probeInFlight = false
}

// RecordFailure registers a failed dispatch. From closed, it trips to open
// after cfg.Threshold consecutive failures. From half_open, a failed probe
// re-opens immediately and doubles the cooldown (capped). A no-op when the
// breaker is disabled.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return
	}

	switch b.state {
	case mcptypes.BreakerHalfOpen:
		b.probeInFlight = false
		b.openCooldownLocked(true)
	case mcptypes.BreakerClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.Threshold {
			b.openCooldownLocked(false)
		}
	case mcptypes.BreakerOpen:
		// already open; nothing further to do
	}
}

func (b *Breaker) openCooldownLocked(doubled bool) {
	b.state = mcptypes.BreakerOpen
	b.openedAt = time.Now()
	if doubled {
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
	}
}

func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state == mcptypes.BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		b.state = mcptypes.BreakerHalfOpen
		b.probeInFlight = false
	}
}
