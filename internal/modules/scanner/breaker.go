package scanner

import (
	"sync"
	"time"
)

// BreakerState is the state of a per-venue circuit breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior
type BreakerConfig struct {
	// FailureThreshold failures inside Window open the breaker
	FailureThreshold int
	// Window is the rolling period failures are counted over
	Window time.Duration
	// Cooldown is how long the breaker stays open before one probe is allowed
	Cooldown time.Duration
}

// Breaker guards a single venue. Failures older than Window are forgotten;
// after Cooldown a single half-open probe decides whether to close or re-open.
type Breaker struct {
	mu sync.Mutex

	cfg      BreakerConfig
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now}
}

// Allow reports whether a call may be made now
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and clears the failure history
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = b.failures[:0]
	b.probing = false
}

// RecordFailure counts a failure; a failed probe re-opens immediately
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == BreakerHalfOpen {
		b.open(now)
		return
	}

	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, at := range b.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.open(now)
	}
}

// Release frees a half-open probe slot without recording an outcome.
// Used when the call was abandoned by the caller rather than failed by the venue.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// State returns the current state without transitioning
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.probing = false
	b.failures = b.failures[:0]
}
