// Package breaker implements a three-state circuit breaker guarding calls
// to an external dependency: closed admits calls, open rejects them
// immediately, half_open admits a single probe to decide whether to close
// or reopen.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen is returned by Allow when the breaker is open or a half-open
// probe slot is already taken.
type ErrOpen struct{ Dependency string }

func (e *ErrOpen) Error() string { return "circuit breaker open for " + e.Dependency }

type Config struct {
	// FailureThreshold is F: consecutive failures within Window that trip
	// the breaker to open.
	FailureThreshold int
	// Window is W, the span over which consecutive failures are counted.
	Window time.Duration
	// OpenTimeout is T_open: how long the breaker stays open before
	// admitting a half-open probe.
	OpenTimeout time.Duration
	// SuccessThreshold is how many consecutive half-open successes close
	// the breaker; single-probe semantics map to 1.
	SuccessThreshold int
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Window: 60 * time.Second, OpenTimeout: 30 * time.Second, SuccessThreshold: 1}
}

// Breaker guards one external dependency.
type Breaker struct {
	name   string
	cfg    Config
	mu     sync.Mutex
	state  State
	fails  int
	succ   int
	openedAt      time.Time
	firstFailAt   time.Time
	probeInFlight bool
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked advances Open -> HalfOpen once T_open has elapsed.
// Caller must hold b.mu.
func (b *Breaker) currentStateLocked() State {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = HalfOpen
		b.probeInFlight = false
	}
	return b.state
}

// Allow reports whether a call may proceed, claiming the single half-open
// probe slot if applicable.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case Closed:
		return nil
	case HalfOpen:
		if b.probeInFlight {
			return &ErrOpen{Dependency: b.name}
		}
		b.probeInFlight = true
		return nil
	default: // Open
		return &ErrOpen{Dependency: b.name}
	}
}

// RecordSuccess reports a successful call, closing the breaker from
// half-open and resetting the failure window from closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case HalfOpen:
		b.succ++
		if b.succ >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.fails = 0
			b.succ = 0
			b.probeInFlight = false
		}
	case Closed:
		b.fails = 0
	}
}

// RecordFailure reports a failed call, tripping to open on threshold
// breach or reopening immediately from half-open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case HalfOpen:
		b.trip()
	case Closed:
		now := time.Now()
		if b.fails == 0 || now.Sub(b.firstFailAt) > b.cfg.Window {
			b.firstFailAt = now
			b.fails = 1
		} else {
			b.fails++
		}
		if b.fails >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.fails = 0
	b.succ = 0
	b.probeInFlight = false
}

// Run executes fn if the breaker admits the call, recording the outcome.
func (b *Breaker) Run(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
