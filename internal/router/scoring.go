package router

import "sort"

// Weights mirrors config.RouterWeights: the relative influence of cost,
// latency, static priority, and rolling success rate on candidate scoring.
type Weights struct {
	Cost     float64
	Latency  float64
	Priority float64
	Success  float64
}

// scoreInput is one candidate's raw signals going into scoring.
type scoreInput struct {
	id          string
	cost        float64 // per-call cost estimate at the request's token counts
	ewmaLatency float64 // milliseconds
	priority    int     // descriptor priority, lower is more preferred
	successRate float64 // 0..1
}

// scored pairs a scoreInput with its computed score; lower score wins.
type scored struct {
	scoreInput
	score float64
}

// rank scores every candidate and returns them sorted best-first: lower
// score first, ties broken by lower priority value, then lexicographically
// by id.
func rank(w Weights, inputs []scoreInput) []scored {
	costs := make([]float64, len(inputs))
	latencies := make([]float64, len(inputs))
	priorities := make([]float64, len(inputs))
	for i, in := range inputs {
		costs[i] = in.cost
		latencies[i] = in.ewmaLatency
		priorities[i] = float64(in.priority)
	}
	normCost := normalise(costs)
	normLatency := normalise(latencies)
	normPriority := normalise(priorities)

	out := make([]scored, len(inputs))
	for i, in := range inputs {
		s := w.Cost*normCost[i] +
			w.Latency*normLatency[i] +
			w.Priority*normPriority[i] +
			w.Success*(1-in.successRate)
		out[i] = scored{scoreInput: in, score: s}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].id < out[j].id
	})
	return out
}

// normalise min-max scales values to [0, 1]. A degenerate set (all equal,
// or a single value) normalises to all zeros, since there is nothing to
// discriminate on.
func normalise(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return out
	}
	span := max - min
	for i, v := range values {
		out[i] = (v - min) / span
	}
	return out
}
