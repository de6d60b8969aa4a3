package extract

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultCooldown is how long the remote extractor is bypassed after a
// failure.
const DefaultCooldown = 60 * time.Second

// BreakerState is the availability state of the remote dependency.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func stateOf(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// Breaker bypasses a dependency for a fixed cooldown after any failure. Once
// the cooldown has elapsed exactly one caller is let through as a trial call.
// It closes the breaker on success and restarts the cooldown on failure.
type Breaker struct {
	cb       *gobreaker.TwoStepCircuitBreaker
	cooldown time.Duration

	mu            sync.Mutex
	onStateChange func(from, to BreakerState)
}

// NewBreaker returns a closed breaker. A non-positive cooldown uses
// DefaultCooldown.
func NewBreaker(cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{cooldown: cooldown}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "remote-extractor",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.notify(stateOf(from), stateOf(to))
		},
	})
	return b
}

// OnStateChange registers a callback fired on every transition.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Allow reports whether the dependency may be called now. When ok is true
// the caller must report the outcome through done, or hand it to abandon.
func (b *Breaker) Allow() (done func(success bool), ok bool) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

// abandon settles a call the caller gave up on. A closed breaker ignores it.
// An abandoned trial call counts as a failure so the half-open slot is freed.
func (b *Breaker) abandon(done func(success bool)) {
	if b.State() == BreakerHalfOpen {
		done(false)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	return stateOf(b.cb.State())
}

func (b *Breaker) notify(from, to BreakerState) {
	b.mu.Lock()
	fn := b.onStateChange
	b.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}
