package rag

import (
	"sync/atomic"

	"github.com/RobLe3/claudette/internal/health"
)

// Strategy picks one eligible worker from candidates. "Eligible" (breaker
// allows, not yet tried for this request) is decided by the caller;
// Strategy only orders/selects among what it is given. A Multiplexer's
// strategy is chosen once, in New; it cannot be replaced on a running
// Multiplexer.
type Strategy interface {
	Name() string
	Pick(candidates []Worker, health *health.Monitor) Worker
}

// NewStrategy constructs the named strategy,
// defaulting to round_robin for an unrecognised name.
func NewStrategy(name string) Strategy {
	switch name {
	case "least_connections":
		return &leastConnections{}
	case "weighted_response_time":
		return &weightedResponseTime{}
	case "adaptive":
		return &adaptive{}
	default:
		return &roundRobin{}
	}
}

// roundRobin cycles through candidates in order, ignoring weight and load.
type roundRobin struct {
	counter atomic.Uint64
}

func (s *roundRobin) Name() string { return "round_robin" }

func (s *roundRobin) Pick(candidates []Worker, _ *health.Monitor) Worker {
	if len(candidates) == 0 {
		return nil
	}
	i := s.counter.Add(1) - 1
	return candidates[int(i)%len(candidates)]
}

// leastConnections prefers the worker with the fewest in-flight calls.
type leastConnections struct{}

func (s *leastConnections) Name() string { return "least_connections" }

func (s *leastConnections) Pick(candidates []Worker, _ *health.Monitor) Worker {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ActiveCalls() < best.ActiveCalls() {
			best = c
		}
	}
	return best
}

// weightedResponseTime prefers the worker whose configured weight (static,
// operator-assigned capacity hint) is highest, tie-broken by least load.
type weightedResponseTime struct{}

func (s *weightedResponseTime) Name() string { return "weighted_response_time" }

func (s *weightedResponseTime) Pick(candidates []Worker, _ *health.Monitor) Worker {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.Weight() > best.Weight():
			best = c
		case c.Weight() == best.Weight() && c.ActiveCalls() < best.ActiveCalls():
			best = c
		}
	}
	return best
}

// adaptive scores by the same EWMA-latency/rolling-success-rate pattern
// internal/health uses for backend selection, reusing the
// monitor directly rather than re-deriving the statistics: lower EWMA
// latency and higher success rate both improve a worker's score.
type adaptive struct{}

func (s *adaptive) Name() string { return "adaptive" }

func (s *adaptive) Pick(candidates []Worker, mon *health.Monitor) Worker {
	if len(candidates) == 0 {
		return nil
	}
	var best Worker
	bestScore := -1.0
	for _, c := range candidates {
		rt := mon.Runtime(c.ID())
		latencyPenalty := rt.EWMALatencyMs
		if latencyPenalty <= 0 {
			latencyPenalty = 1 // unseen worker: treat as fast until proven otherwise
		}
		score := rt.RollingSuccessRate / latencyPenalty
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}
