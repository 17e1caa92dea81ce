// Package circuitbreaker stops calling a failing dependency for a cooldown
// period after a run of consecutive failures.
//
// A breaker starts Closed. Threshold consecutive failures open it; while
// Open every call is rejected. Once Cooldown has elapsed a single probe is
// let through (HalfOpen): success closes the breaker, failure re-opens it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker settings. Zero values use DefaultConfig.
type Config struct {
	Threshold int
	Cooldown  time.Duration
	// OnStateChange, if set, is called outside the lock after each transition.
	OnStateChange func(from, to State)
	// Now overrides the clock in tests.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed. In HalfOpen only the first
// caller is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var changed func()
	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
			changed = b.transition(HalfOpen)
			b.probing = true
			allowed = true
		}
	case HalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
	return allowed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	changed := b.transition(Closed)
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.probing = false
	var changed func()
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.openedAt = b.cfg.Now()
		changed = b.transition(Open)
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
// Errors for which countable returns false do not count as failures.
func (b *Breaker) Execute(fn func() error, countable func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	changed := b.transition(Closed)
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// transition must be called with mu held; the returned callback must be
// invoked after unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	if b.cfg.OnStateChange == nil {
		return nil
	}
	cb := b.cfg.OnStateChange
	return func() { cb(from, to) }
}
