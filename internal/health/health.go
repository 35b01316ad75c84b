// Package health is the per-backend liveness and latency monitor: EWMA
// latency, a rolling success-rate window, and delegation to
// internal/breaker for open/half_open/closed transitions.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RobLe3/claudette/internal/breaker"
	"github.com/RobLe3/claudette/internal/clock"
	"github.com/RobLe3/claudette/internal/domain"
)

// Config tunes the monitor.
type Config struct {
	Alpha            float64       // EWMA smoothing factor, default 0.2
	RollingWindow    int           // outcomes considered for success rate, default 50
	FailureThreshold int           // passed through to internal/breaker
	Cooldown         time.Duration // passed through to internal/breaker
	Interval         time.Duration // background probe interval, default 30s

	// OnBreakerChange, if set, is invoked on every breaker transition of any
	// registered backend. Lifecycle wires this to the metrics collector.
	OnBreakerChange func(id string, from, to breaker.State)
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 {
		c.Alpha = 0.2
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = 50
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

type backendState struct {
	mu           sync.Mutex
	ewmaLatency  float64
	outcomes     []bool
	idx          int
	filled       bool
	lastHealthAt time.Time
	breaker      *breaker.Breaker
}

func (s *backendState) successRate() float64 {
	limit := s.idx
	if s.filled {
		limit = len(s.outcomes)
	}
	if limit == 0 {
		return 1.0
	}
	var ok int
	for i := 0; i < limit; i++ {
		if s.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(limit)
}

// Monitor owns BackendRuntime for every registered backend.
type Monitor struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	backends map[string]*backendState
}

// New constructs a Monitor.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Monitor{cfg: cfg.withDefaults(), clk: clk, logger: logger, backends: make(map[string]*backendState)}
}

// Register creates tracking state for a backend id, idempotently.
func (m *Monitor) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backends[id]; ok {
		return
	}
	m.backends[id] = &backendState{
		ewmaLatency: 0,
		outcomes:    make([]bool, m.cfg.RollingWindow),
		breaker:     m.newBreaker(id),
	}
}

func (m *Monitor) newBreaker(id string) *breaker.Breaker {
	cfg := breaker.Config{
		FailureThreshold: m.cfg.FailureThreshold,
		Cooldown:         m.cfg.Cooldown,
	}
	if notify := m.cfg.OnBreakerChange; notify != nil {
		cfg.OnStateChange = func(from, to breaker.State) { notify(id, from, to) }
	}
	return breaker.New(cfg, m.clk, m.logger)
}

func (m *Monitor) state(id string) *backendState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.backends[id]
	if !ok {
		s = &backendState{
			outcomes: make([]bool, m.cfg.RollingWindow),
			breaker:  m.newBreaker(id),
		}
		m.backends[id] = s
	}
	return s
}

// RecordResult updates EWMA latency, the rolling success window, and the
// breaker for a real call outcome. "Extreme latencies count as failure for
// health when > deadline" is the caller's responsibility: pass
// success=false when a deadline was exceeded.
func (m *Monitor) RecordResult(id string, latency time.Duration, success bool) {
	s := m.state(id)
	s.mu.Lock()
	if s.ewmaLatency == 0 {
		s.ewmaLatency = float64(latency.Milliseconds())
	} else {
		s.ewmaLatency = m.cfg.Alpha*float64(latency.Milliseconds()) + (1-m.cfg.Alpha)*s.ewmaLatency
	}
	s.outcomes[s.idx] = success
	s.idx = (s.idx + 1) % len(s.outcomes)
	if s.idx == 0 {
		s.filled = true
	}
	s.lastHealthAt = m.clk.Now()
	s.mu.Unlock()

	if success {
		s.breaker.Success()
	} else {
		s.breaker.Failure()
	}
}

// Allow reports whether the backend's breaker currently permits a call.
func (m *Monitor) Allow(id string) bool {
	return m.state(id).breaker.Allow()
}

// BreakerState reports the backend's current breaker state; the router and
// the RAG multiplexer use it to skip open-circuit candidates.
func (m *Monitor) BreakerState(id string) breaker.State {
	return m.state(id).breaker.State()
}

// Runtime snapshots the BackendRuntime for a backend.
func (m *Monitor) Runtime(id string) domain.BackendRuntime {
	s := m.state(id)
	state, fails, openedAt := s.breaker.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	var bs domain.BreakerState
	switch state {
	case breaker.StateOpen:
		bs = domain.BreakerOpen
	case breaker.StateHalfOpen:
		bs = domain.BreakerHalfOpen
	default:
		bs = domain.BreakerClosed
	}

	return domain.BackendRuntime{
		EWMALatencyMs:      s.ewmaLatency,
		RollingSuccessRate: s.successRate(),
		ConsecutiveFails:   fails,
		BreakerState:       bs,
		BreakerOpenedAt:    openedAt,
		LastHealthAt:       s.lastHealthAt,
		Healthy:            bs == domain.BreakerClosed,
	}
}

// ProbeFunc performs a liveness check for a backend id, returning an error
// on failure.
type ProbeFunc func(ctx context.Context, id string) error

// RunProbeLoop runs probe for every registered backend at the configured
// interval until ctx is cancelled. Intended to run in its own goroutine,
// started by internal/lifecycle.
func (m *Monitor) RunProbeLoop(ctx context.Context, ids []string, probe ProbeFunc) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range ids {
				start := m.clk.Now()
				err := probe(ctx, id)
				m.RecordResult(id, m.clk.Now().Sub(start), err == nil)
			}
		}
	}
}
