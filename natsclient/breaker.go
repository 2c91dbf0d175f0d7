package natsclient

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BreakerState is the circuit breaker position. The values are what the
// circuit breaker gauge reports.
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
		return "half_open"
	default:
		return "unknown"
	}
}

const initialBreakerBackoff = time.Second

// breaker opens after threshold failures without a success in between and
// refuses calls while open. Each trip lasts twice as long as the one before,
// up to maxBackoff. Once a trip has run out the breaker is half-open: calls
// go through, and the next threshold failures trip it again.
type breaker struct {
	clock      clock.Clock
	threshold  int
	maxBackoff time.Duration
	// onChange runs under the breaker lock.
	onChange func(state BreakerState, wait time.Duration)

	mu        sync.Mutex
	state     BreakerState
	round     int
	total     int32
	backoff   time.Duration
	openUntil time.Time
}

func newBreaker(clk clock.Clock, threshold int, maxBackoff time.Duration,
	onChange func(BreakerState, time.Duration)) *breaker {
	return &breaker{
		clock:      clk,
		threshold:  threshold,
		maxBackoff: maxBackoff,
		onChange:   onChange,
		backoff:    initialBreakerBackoff,
	}
}

// current returns the breaker state, moving an expired trip to half-open.
func (b *breaker) current() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && !b.clock.Now().Before(b.openUntil) {
		b.set(BreakerHalfOpen, 0)
	}
	return b.state
}

func (b *breaker) refusing() bool {
	return b.current() == BreakerOpen
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.total++
	b.round++
	if b.round < b.threshold {
		return
	}

	b.round = 0
	wait := b.backoff
	b.backoff = min(2*b.backoff, b.maxBackoff)
	b.openUntil = now.Add(wait)
	b.set(BreakerOpen, wait)
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total = 0
	b.round = 0
	b.backoff = initialBreakerBackoff
	if b.state != BreakerClosed {
		b.set(BreakerClosed, 0)
	}
}

func (b *breaker) set(state BreakerState, wait time.Duration) {
	b.state = state
	if b.onChange != nil {
		b.onChange(state, wait)
	}
}

func (b *breaker) failures() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// nextBackoff is how long the next trip will last.
func (b *breaker) nextBackoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff
}
