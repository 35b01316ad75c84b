// Package deadline is the timeout + retry supervisor: harmonised
// per-operation deadlines, jittered exponential backoff, and breaker-aware
// abandonment (a retry loop gives up outright when its target's circuit
// reopens mid-backoff).
package deadline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/RobLe3/claudette/internal/errs"
)

// OperationKind selects which default budget applies.
type OperationKind string

const (
	OpHealthCheck        OperationKind = "health_check"
	OpSimpleChat         OperationKind = "simple_chat"
	OpComplexChat        OperationKind = "complex_chat"
	OpRouterRequest      OperationKind = "router_request"
	OpRAGSubRequest      OperationKind = "rag_sub_request"
	OpMultiplexerStartup OperationKind = "multiplexer_startup"
)

// Budgets holds the configurable deadline table.
type Budgets struct {
	HealthCheck        time.Duration
	SimpleChat         time.Duration
	ComplexChat        time.Duration
	RouterRequest      time.Duration
	RAGSubRequest      time.Duration
	MultiplexerStartup time.Duration
}

// DefaultBudgets returns the standard deadline table.
func DefaultBudgets() Budgets {
	return Budgets{
		HealthCheck:        8 * time.Second,
		SimpleChat:         20 * time.Second,
		ComplexChat:        45 * time.Second,
		RouterRequest:      60 * time.Second,
		RAGSubRequest:      90 * time.Second,
		MultiplexerStartup: 25 * time.Second,
	}
}

func (b Budgets) of(kind OperationKind) time.Duration {
	switch kind {
	case OpHealthCheck:
		return b.HealthCheck
	case OpSimpleChat:
		return b.SimpleChat
	case OpComplexChat:
		return b.ComplexChat
	case OpRAGSubRequest:
		return b.RAGSubRequest
	case OpMultiplexerStartup:
		return b.MultiplexerStartup
	default:
		return b.RouterRequest
	}
}

// Budget computes the deadline for kind at priority, applying the
// priority>=7 1.5x multiplier but never exceeding the router hard ceiling.
func (b Budgets) Budget(kind OperationKind, priority int) time.Duration {
	d := b.of(kind)
	if priority >= 7 {
		d = time.Duration(float64(d) * 1.5)
	}
	ceiling := b.RouterRequest
	if kind == OpRAGSubRequest {
		ceiling = b.RAGSubRequest // RAG sub-requests have their own, larger ceiling
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// WithDeadline derives an absolute-deadline context for kind/priority. Every
// task gets an absolute deadline, never a remaining duration, so nested
// operations cannot silently extend their parent.
func WithDeadline(ctx context.Context, budgets Budgets, kind OperationKind, priority int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, budgets.Budget(kind, priority))
}

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	Multiplier   float64
	JitterFactor float64
	// RetriableClasses narrows which error kinds are retried. Empty means
	// every kind the taxonomy marks retriable.
	RetriableClasses []string
}

func (p RetryPolicy) shouldRetry(err error) bool {
	if !errs.IsRetryable(err) {
		return false
	}
	if len(p.RetriableClasses) == 0 {
		return true
	}
	kind := string(errs.KindOf(err))
	for _, c := range p.RetriableClasses {
		if c == kind {
			return true
		}
	}
	return false
}

// DefaultRetryPolicy is 3 attempts of doubling backoff with ±25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2.0, JitterFactor: 0.25}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0.25
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.JitterFactor > 0 {
		jitter := base * p.JitterFactor
		base += (rand.Float64()*2 - 1) * jitter
	}
	if base < float64(p.BaseDelay) {
		base = float64(p.BaseDelay)
	}
	return time.Duration(base)
}

// BreakerProbe reports whether the guarded backend's breaker currently
// permits calls; WithRetry polls it before every attempt (including the
// first) and abandons immediately, without consuming a retry, if it has
// reopened mid-backoff.
type BreakerProbe func() bool

// WithRetry runs fn, retrying per policy on retriable errors only, honouring
// ctx's deadline and abandoning immediately if probe reports the breaker has
// reopened.
func WithRetry(ctx context.Context, policy RetryPolicy, probe BreakerProbe, fn func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if probe != nil && !probe() {
			if lastErr != nil {
				return lastErr
			}
			return errs.New(errs.KindCircuitOpen, "circuit reopened before attempt")
		}

		if attempt > 1 {
			wait := policy.delay(attempt)
			// A rate-limited upstream that told us when to come back wins over
			// our own backoff curve.
			var le *errs.Error
			if errors.As(lastErr, &le) && le.RetryAfter > 0 {
				if ra := time.Duration(le.RetryAfter) * time.Second; ra > wait {
					wait = ra
				}
			}
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.KindTimeout, ctx.Err())
			case <-time.After(wait):
			}
			if probe != nil && !probe() {
				return lastErr
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !policy.shouldRetry(err) {
			return err
		}
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindTimeout, ctx.Err())
		}
	}
	return lastErr
}
