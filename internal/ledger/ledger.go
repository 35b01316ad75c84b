// Package ledger is the append-only accounting log: every router outcome
// is recorded once and aggregates are queryable per backend or time window.
// Durability comes from internal/store, the same abstraction internal/cache
// uses for its persistent tier, in a dedicated bucket.
package ledger

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RobLe3/claudette/internal/clock"
	"github.com/RobLe3/claudette/internal/errs"
	"github.com/RobLe3/claudette/internal/store"
)

const bucketName = "ledger_events"

// Outcome classifies how a call concluded.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRetriedSuccess Outcome = "retried_success"
	OutcomeFailure        Outcome = "failure"
)

// Event is one immortal accounting record.
type Event struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Backend      string    `json:"backend"`
	Fingerprint  string    `json:"fingerprint"`
	TokensInput  int       `json:"tokens_input"`
	TokensOutput int       `json:"tokens_output"`
	Cost         float64   `json:"cost"`
	CacheHit     bool      `json:"cache_hit"`
	LatencyMs    int64     `json:"latency_ms"`
	Outcome      Outcome   `json:"outcome"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler so events can be
// logged structured without a reflection-based encoder.
func (e Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("id", e.ID)
	enc.AddString("backend", e.Backend)
	enc.AddString("fingerprint", e.Fingerprint)
	enc.AddInt64("tokens_input", int64(e.TokensInput))
	enc.AddInt64("tokens_output", int64(e.TokensOutput))
	enc.AddFloat64("cost", e.Cost)
	enc.AddBool("cache_hit", e.CacheHit)
	enc.AddInt64("latency_ms", e.LatencyMs)
	enc.AddString("outcome", string(e.Outcome))
	enc.AddTime("timestamp", e.Timestamp)
	return nil
}

// Aggregate is the result of aggregate(window, group_by).
type Aggregate struct {
	Count        int64
	TokensIn     int64
	TokensOut    int64
	Cost         float64
	AvgLatencyMs float64
	HitRate      float64
}

// Config tunes ring-buffer coverage.
type Config struct {
	// RingSize bounds how many recent events are kept purely in memory
	// before recent/aggregate must fall back to a durable range scan.
	// Default 100_000.
	RingSize int
}

// Ledger is the append-only log. Durable writes go through the same
// store.Store the persistent cache tier uses, in a dedicated bucket.
type Ledger struct {
	cfg    Config
	clk    clock.Clock
	store  store.Store
	logger *zap.Logger

	mu            sync.Mutex
	nextID        int64
	lastTimestamp time.Time
	ring          []Event
	ringHead      int
	ringFull      bool
}

// New constructs a Ledger. store may be nil, in which case append fails
// with ledger_unavailable for every call — callers that only want the
// in-memory ring (e.g. unit tests) should pass a real store.Store backed
// by an in-memory bbolt file instead of nil.
func New(cfg Config, clk clock.Clock, durable store.Store, logger *zap.Logger) *Ledger {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 100_000
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{
		cfg:    cfg,
		clk:    clk,
		store:  durable,
		logger: logger,
		ring:   make([]Event, cfg.RingSize),
	}
}

// Append assigns a strictly increasing id and a clock-clamped monotonic
// timestamp, writes durably, then admits the event to the in-memory ring.
// It is synchronous: durability happens before returning.
func (l *Ledger) Append(e Event) (Event, error) {
	l.mu.Lock()
	l.nextID++
	e.ID = l.nextID

	now := l.clk.Now()
	if !now.After(l.lastTimestamp) {
		now = l.lastTimestamp.Add(time.Nanosecond)
	}
	l.lastTimestamp = now
	e.Timestamp = now
	l.mu.Unlock()

	if l.store == nil {
		return Event{}, errs.New(errs.KindLedgerUnavailable, "ledger: no durable store configured")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Event{}, errs.Wrap(errs.KindLedgerUnavailable, err)
	}
	if err := l.store.Put(bucketName, store.EncodeID(e.ID), data); err != nil {
		if l.logger != nil {
			l.logger.Warn("ledger durable append failed", zap.Error(err), zap.Int64("id", e.ID))
		}
		return Event{}, errs.Wrap(errs.KindLedgerUnavailable, err)
	}

	l.mu.Lock()
	l.ring[l.ringHead] = e
	l.ringHead = (l.ringHead + 1) % len(l.ring)
	if l.ringHead == 0 {
		l.ringFull = true
	}
	l.mu.Unlock()

	return e, nil
}

// Recent returns events within the last window, newest first.
func (l *Ledger) Recent(window time.Duration) []Event {
	cutoff := l.clk.Now().Add(-window)

	l.mu.Lock()
	events := l.snapshotRingLocked()
	l.mu.Unlock()

	out := make([]Event, 0, len(events))
	oldestInRing := time.Time{}
	if len(events) > 0 {
		oldestInRing = events[len(events)-1].Timestamp
	}
	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, e)
	}

	// The ring doesn't go back far enough to cover the whole window;
	// fall back to the durable store for the remainder.
	if l.store != nil && !oldestInRing.IsZero() && oldestInRing.After(cutoff) {
		var extra []Event
		_ = l.store.Scan(bucketName, nil, store.EncodeID(events[len(events)-1].ID), true, func(k, v []byte) bool {
			var e Event
			if json.Unmarshal(v, &e) != nil {
				return true
			}
			if e.Timestamp.Before(cutoff) {
				return false
			}
			extra = append(extra, e)
			return true
		})
		out = append(out, extra...)
	}
	return out
}

// snapshotRingLocked returns ring contents newest-first. Caller holds mu.
func (l *Ledger) snapshotRingLocked() []Event {
	n := l.ringHead
	if l.ringFull {
		n = len(l.ring)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.ringHead - 1 - i + len(l.ring)) % len(l.ring)
		if l.ring[idx].ID == 0 {
			continue
		}
		out = append(out, l.ring[idx])
	}
	return out
}

// Aggregate computes count/tokens/cost/latency/hit-rate over window,
// optionally restricted to a single backend (empty string means all).
func (l *Ledger) Aggregate(window time.Duration, backend string) Aggregate {
	events := l.Recent(window)

	var agg Aggregate
	var latencySum float64
	var hits int64
	for _, e := range events {
		if backend != "" && e.Backend != backend {
			continue
		}
		agg.Count++
		agg.TokensIn += int64(e.TokensInput)
		agg.TokensOut += int64(e.TokensOutput)
		agg.Cost += e.Cost
		latencySum += float64(e.LatencyMs)
		if e.CacheHit {
			hits++
		}
	}
	if agg.Count > 0 {
		agg.AvgLatencyMs = latencySum / float64(agg.Count)
		agg.HitRate = float64(hits) / float64(agg.Count)
	}
	return agg
}

// NextID reports the next id that will be assigned, for monotonicity
// assertions in tests.
func (l *Ledger) NextID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}
