package rag

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RobLe3/claudette/config"
	"github.com/RobLe3/claudette/internal/breaker"
	"github.com/RobLe3/claudette/internal/clock"
	"github.com/RobLe3/claudette/internal/deadline"
	"github.com/RobLe3/claudette/internal/errs"
	"github.com/RobLe3/claudette/internal/health"
	"github.com/RobLe3/claudette/internal/metrics"
	"github.com/RobLe3/claudette/internal/tlsutil"
)

// Multiplexer is the RAG front-end: a worker pool with a bounded
// priority queue, pluggable load balancing, per-worker circuit breakers, and
// failover. It implements internal/router.Enricher so the router can call
// it without depending on any of this package's internals.
type Multiplexer struct {
	cfg      config.RAGConfig
	budgets  deadline.Budgets
	health   *health.Monitor
	strategy Strategy
	logger   *zap.Logger
	clk      clock.Clock
	stats    *metrics.Collector

	mu      sync.RWMutex
	workers []Worker
	q       *queue

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New constructs a Multiplexer from configuration. Workers are not dialled
// until Start is called.
func New(cfg config.RAGConfig, budgets deadline.Budgets, logger *zap.Logger) (*Multiplexer, error) {
	workers := make([]Worker, 0, len(cfg.Workers))
	httpClient := tlsutil.SecureHTTPClient(budgets.RAGSubRequest)
	for _, wc := range cfg.Workers {
		w, err := buildWorker(wc, logger, httpClient)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	mon := health.New(health.Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}, clock.Real{}, logger)
	for _, w := range workers {
		mon.Register(w.ID())
	}

	return &Multiplexer{
		cfg:      cfg,
		budgets:  budgets,
		health:   mon,
		strategy: NewStrategy(cfg.Strategy),
		logger:   logger,
		clk:      clock.Real{},
		workers:  workers,
		q:        newQueue(cfg.Queue.MaxSize, cfg.Queue.PerPriorityCap),
		shutdown: make(chan struct{}),
	}, nil
}

// Start dials every worker in parallel, each bounded by the multiplexer
// startup deadline, then launches the dispatcher pool. A worker that fails
// its handshake is dropped; Start only fails outright if every worker
// fails, since the router can still proceed with rag_enhanced=false when
// the multiplexer has no eligible worker at all.
func (m *Multiplexer) Start(ctx context.Context) error {
	if !m.cfg.Enabled || len(m.workers) == 0 {
		return nil
	}

	startCtx, cancel := deadline.WithDeadline(ctx, m.budgets, deadline.OpMultiplexerStartup, 0)
	defer cancel()

	g, gctx := errgroup.WithContext(startCtx)
	ready := make([]Worker, len(m.workers))
	for i, w := range m.workers {
		i, w := i, w
		g.Go(func() error {
			if err := w.Handshake(gctx); err != nil {
				m.logger.Warn("rag worker handshake failed", zap.String("worker", w.ID()), zap.Error(err))
				return nil
			}
			ready[i] = w
			return nil
		})
	}
	_ = g.Wait() // per-worker failures are logged and dropped, not fatal to Start

	live := make([]Worker, 0, len(ready))
	for _, w := range ready {
		if w != nil {
			live = append(live, w)
		}
	}

	m.mu.Lock()
	m.workers = live
	m.mu.Unlock()

	if len(live) == 0 {
		return errs.New(errs.KindNoBackendAvail, "no rag worker completed handshake")
	}

	dispatchers := m.cfg.WorkerConcurrencyCap * len(live)
	if dispatchers <= 0 {
		dispatchers = len(live)
	}
	for i := 0; i < dispatchers; i++ {
		m.wg.Add(1)
		go m.dispatchLoop()
	}
	return nil
}

// SetMetrics wires in the shared Prometheus collector. Passing nil disables
// metric recording.
func (m *Multiplexer) SetMetrics(c *metrics.Collector) {
	m.stats = c
}

func (m *Multiplexer) dispatchLoop() {
	defer m.wg.Done()
	for {
		item, ok := m.q.dequeue(backgroundOrShutdown(m.shutdown))
		if !ok {
			return
		}
		if m.stats != nil {
			m.stats.SetRAGQueueDepth(m.q.len())
		}
		m.process(item)
	}
}

// backgroundOrShutdown returns a context that cancels when shutdown closes,
// so dequeue unblocks promptly during graceful shutdown instead of waiting
// for the next enqueue.
func backgroundOrShutdown(shutdown <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdown
		cancel()
	}()
	return ctx
}

var tracer = otel.Tracer("github.com/RobLe3/claudette/internal/rag")

func (m *Multiplexer) process(item *queuedRequest) {
	ctx, cancel := deadline.WithDeadline(item.ctx, m.budgets, deadline.OpRAGSubRequest, item.priority)
	defer cancel()

	ctx, span := tracer.Start(ctx, "multiplexer.Dispatch")
	span.SetAttributes(attribute.Int("priority", item.priority))
	defer span.End()

	tried := make(map[string]bool)
	for {
		w := m.pickEligible(tried)
		if w == nil {
			item.result <- enrichResult{err: errs.New(errs.KindNoBackendAvail, "no eligible rag worker")}
			return
		}

		start := m.clk.Now()
		text, err := w.Enrich(ctx, item.prompt)
		latency := m.clk.Now().Sub(start)
		m.health.RecordResult(w.ID(), latency, err == nil)
		if m.stats != nil {
			m.stats.RecordEnrich(w.ID(), err == nil)
		}

		if err == nil {
			item.result <- enrichResult{text: text, ok: true}
			return
		}

		// A request is never dispatched to the same worker twice after a
		// terminal error.
		tried[w.ID()] = true

		if ctx.Err() != nil {
			item.result <- enrichResult{err: errs.Wrap(errs.KindTimeout, ctx.Err())}
			return
		}
	}
}

func (m *Multiplexer) pickEligible(tried map[string]bool) Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if tried[w.ID()] {
			continue
		}
		if m.health.BreakerState(w.ID()) == breaker.StateOpen {
			continue
		}
		if int(w.ActiveCalls()) >= m.cfg.WorkerConcurrencyCap && m.cfg.WorkerConcurrencyCap > 0 {
			continue
		}
		candidates = append(candidates, w)
	}
	return m.strategy.Pick(candidates, m.health)
}

// Enrich implements internal/router.Enricher. Backpressure (queue full) and
// "no multiplexer configured" both resolve to ok=false, err=nil: the router
// proceeds without enrichment rather than failing the whole request.
func (m *Multiplexer) Enrich(ctx context.Context, priority int, prompt string) (string, bool, error) {
	if !m.cfg.Enabled {
		return "", false, nil
	}

	m.mu.RLock()
	noWorkers := len(m.workers) == 0
	m.mu.RUnlock()
	if noWorkers {
		return "", false, nil
	}

	ch, err := m.q.enqueue(ctx, priority, prompt)
	if err != nil {
		if errs.KindOf(err) == errs.KindBackpressure {
			return "", false, nil
		}
		return "", false, err
	}
	if m.stats != nil {
		m.stats.SetRAGQueueDepth(m.q.len())
	}

	select {
	case <-ctx.Done():
		return "", false, errs.Wrap(errs.KindTimeout, ctx.Err())
	case res := <-ch:
		return res.text, res.ok, res.err
	}
}

// Shutdown drains the queue up to the configured graceful-shutdown budget,
// rejecting new enqueues immediately and cancelling in-flight dispatch once
// the budget is spent.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.q.close()
	close(m.shutdown)

	budget := time.Duration(m.cfg.GracefulShutdownMs) * time.Millisecond
	if budget <= 0 {
		budget = 10 * time.Second
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(budget):
	case <-ctx.Done():
	}

	for _, item := range m.q.drain() {
		item.result <- enrichResult{err: errs.New(errs.KindBackpressure, "multiplexer shut down before dispatch")}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		_ = w.Close()
	}
	return nil
}

// Snapshot reports per-worker status for claudette_health.
type WorkerStatus struct {
	ID          string
	Breaker     string
	ActiveCalls int32
	QueueDepth  int
}

func (m *Multiplexer) Snapshot() []WorkerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(m.workers))
	for _, w := range m.workers {
		var state string
		switch m.health.BreakerState(w.ID()) {
		case breaker.StateOpen:
			state = "open"
		case breaker.StateHalfOpen:
			state = "half_open"
		default:
			state = "closed"
		}
		out = append(out, WorkerStatus{
			ID:          w.ID(),
			Breaker:     state,
			ActiveCalls: w.ActiveCalls(),
			QueueDepth:  m.q.len(),
		})
	}
	return out
}
