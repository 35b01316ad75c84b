// Package breaker implements the circuit-breaker state machine shared by
// backend health (internal/health) and RAG worker health (internal/rag).
// The half-open state admits a single trial call at a time.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RobLe3/claudette/internal/clock"
	"github.com/RobLe3/claudette/internal/errs"
)

// State is one point of the closed/open/half_open state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker. Zero values are replaced by defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// closed -> open. Default 3.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing a single
	// half-open trial. Default 30s.
	Cooldown time.Duration
	// OnStateChange, if set, is invoked (off the calling goroutine) on every
	// transition.
	OnStateChange func(from, to State)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 30 * time.Second
	}
	return out
}

// Breaker guards a single backend or RAG worker.
type Breaker struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu                sync.Mutex
	state             State
	consecutiveFails  int
	openedAt          time.Time
	halfOpenInFlight  bool
}

// New constructs a Breaker in the closed state.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{cfg: cfg.withDefaults(), clock: clk, logger: logger, state: StateClosed}
}

// State returns the current state, resolving an elapsed cooldown into
// half_open as a side effect; the transition to half_open happens only
// after the cooldown has fully elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeEnterHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeEnterHalfOpenLocked() {
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setStateLocked(StateHalfOpen)
		b.halfOpenInFlight = false
	}
}

// Allow reports whether a call may proceed, and if so reserves the single
// half-open trial slot when applicable. Callers must pair a true result
// with exactly one subsequent Success or Failure call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeEnterHalfOpenLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default: // StateOpen
		return false
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
	case StateHalfOpen:
		b.setStateLocked(StateClosed)
		b.consecutiveFails = 0
		b.halfOpenInFlight = false
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.openLocked()
	}
}

func (b *Breaker) openLocked() {
	b.setStateLocked(StateOpen)
	b.openedAt = b.clock.Now()
}

func (b *Breaker) setStateLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.logger != nil {
		b.logger.Info("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
	}
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}

// Snapshot reports the breaker's internal counters for status endpoints.
func (b *Breaker) Snapshot() (state State, consecutiveFails int, openedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeEnterHalfOpenLocked()
	return b.state, b.consecutiveFails, b.openedAt
}

// Reset forces the breaker back to closed, for manual operator recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateClosed)
	b.consecutiveFails = 0
	b.halfOpenInFlight = false
}

// ErrOpen is returned by Guard when the breaker refuses the call.
var ErrOpen = errs.New(errs.KindCircuitOpen, "circuit breaker is open")

// Guard runs fn if Allow permits it, recording the outcome automatically.
// Any non-nil error counts as a failure here, including deadline overruns.
func (b *Breaker) Guard(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
