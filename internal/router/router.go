// Package router implements the cost-aware request optimizer: the single
// entry point that canonicalises a request, consults the cache, optionally
// enriches via RAG, scores and selects a backend, dispatches through
// internal/deadline's retry supervisor, and records the outcome to
// internal/ledger and internal/health. Candidates live in an in-memory
// descriptor map swapped wholesale on config reload; Claudette has no
// database.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/RobLe3/claudette/internal/backend"
	"github.com/RobLe3/claudette/internal/breaker"
	"github.com/RobLe3/claudette/internal/cache"
	"github.com/RobLe3/claudette/internal/clock"
	"github.com/RobLe3/claudette/internal/deadline"
	"github.com/RobLe3/claudette/internal/domain"
	"github.com/RobLe3/claudette/internal/errs"
	"github.com/RobLe3/claudette/internal/fingerprint"
	"github.com/RobLe3/claudette/internal/health"
	"github.com/RobLe3/claudette/internal/ledger"
	"github.com/RobLe3/claudette/internal/metrics"
)

var tracer = otel.Tracer("github.com/RobLe3/claudette/internal/router")

// Enricher is implemented by internal/rag's Multiplexer. It is optional:
// a nil Enricher means Optimize never attempts retrieval augmentation. A
// non-nil Enricher that returns ok=false (backpressure, no workers ready)
// is not an error; Optimize proceeds with the original prompt.
type Enricher interface {
	Enrich(ctx context.Context, priority int, prompt string) (enriched string, ok bool, err error)
}

// Backend is one registered candidate: its static descriptor plus the
// adapter that speaks for it.
type Backend struct {
	Descriptor domain.BackendDescriptor
	Adapter    backend.Adapter
}

// Config tunes the router (config.RouterConfig).
type Config struct {
	Weights          Weights
	MaxConcurrent    int
	AllowEmptyPrompt bool
	// BackendRPS rate-shapes outbound calls per backend; 0 means unlimited.
	BackendRPS float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 64
	}
	return c
}

// Router is the optimizer. Safe for concurrent use.
type Router struct {
	cfg      Config
	budgets  deadline.Budgets
	retry    deadline.RetryPolicy
	health   *health.Monitor
	cache    *cache.Cache
	ledger   *ledger.Ledger
	clk      clock.Clock
	logger   *zap.Logger
	tokens   TokenEstimator
	sem      chan struct{}
	sf       singleflight.Group
	backends atomicBackends
	enricher Enricher
	stats    *metrics.Collector

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New builds a Router. backends is the initial registry; SetBackends swaps
// it wholesale on a config reload.
func New(cfg Config, backends []Backend, budgets deadline.Budgets, retry deadline.RetryPolicy, h *health.Monitor, c *cache.Cache, l *ledger.Ledger, clk clock.Clock, logger *zap.Logger) *Router {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		cfg:      cfg,
		budgets:  budgets,
		retry:    retry,
		health:   h,
		cache:    c,
		ledger:   l,
		clk:      clk,
		logger:   logger,
		tokens:   NewTokenEstimator(),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		limiters: make(map[string]*rate.Limiter),
	}
	r.SetBackends(backends)
	return r
}

// SetBackends atomically replaces the candidate registry (used by
// internal/lifecycle on a config reload, and by tests).
func (r *Router) SetBackends(backends []Backend) {
	m := make(map[string]Backend, len(backends))
	lims := make(map[string]*rate.Limiter, len(backends))
	for _, b := range backends {
		m[b.Descriptor.ID] = b
		r.health.Register(b.Descriptor.ID)
		if r.cfg.BackendRPS > 0 {
			burst := int(r.cfg.BackendRPS)
			if burst < 1 {
				burst = 1
			}
			lims[b.Descriptor.ID] = rate.NewLimiter(rate.Limit(r.cfg.BackendRPS), burst)
		}
	}
	r.backends.store(m)
	r.limitersMu.Lock()
	r.limiters = lims
	r.limitersMu.Unlock()
}

// limiter returns the backend's rate limiter, or nil when unshaped.
func (r *Router) limiter(id string) *rate.Limiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	return r.limiters[id]
}

// SetEnricher wires in the RAG multiplexer. Passing nil disables
// enrichment.
func (r *Router) SetEnricher(e Enricher) {
	r.enricher = e
}

// SetTokenEstimator overrides the default tiktoken-backed estimator; tests
// use this to avoid depending on network-fetched BPE rank files.
func (r *Router) SetTokenEstimator(e TokenEstimator) {
	r.tokens = e
}

// SetMetrics wires in the shared Prometheus collector. Passing nil disables
// metric recording.
func (r *Router) SetMetrics(c *metrics.Collector) {
	r.stats = c
}

// Optimize runs the full routing algorithm: validate,
// cache lookup, optional RAG enrichment, candidate scoring and selection,
// dispatch with retry/failover, and outcome recording.
func (r *Router) Optimize(ctx context.Context, req domain.Request) (domain.Response, error) {
	ctx, span := tracer.Start(ctx, "router.Optimize")
	defer span.End()

	requestID := uuid.NewString()
	span.SetAttributes(attribute.String("request_id", requestID))
	log := r.logger.With(zap.String("request_id", requestID))

	if err := r.validate(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Response{}, err
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.Response{}, errs.Wrap(errs.KindTimeout, ctx.Err())
	}
	defer func() { <-r.sem }()

	opts := fingerprint.OptionsSubset{
		Temperature:       req.Options.Temperature,
		MaxTokens:         req.Options.MaxTokens,
		ModelOverride:     req.Options.ModelOverride,
		BackendPreference: req.Options.BackendPreference,
	}
	atts := make([]fingerprint.Attachment, len(req.Attachments))
	for i, a := range req.Attachments {
		atts[i] = fingerprint.Attachment{Name: a.Name, ContentHash: a.ContentHash, Role: a.Role}
	}
	canonical := fingerprint.Canonicalise(req.Prompt, atts, opts)
	fp := fingerprint.Compute(canonical)
	span.SetAttributes(attribute.String("fingerprint", fp.String()))

	if !req.Options.BypassCache {
		if resp, hit := r.cache.Get(fp); hit {
			resp.CacheHit = true
			r.appendLedger(fp, resp, "", ledger.OutcomeSuccess)
			if r.stats != nil {
				r.stats.RecordCacheHit()
			}
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return resp, nil
		}
		if r.stats != nil {
			r.stats.RecordCacheMiss()
		}
	}

	if r.enricher != nil {
		if enriched, ok, err := r.enricher.Enrich(ctx, req.Options.Priority, req.Prompt); err == nil && ok {
			req.Prompt = enriched
		}
	}

	v, err, _ := r.sf.Do(fp.String(), func() (interface{}, error) {
		return r.dispatch(ctx, req, fp, log)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Response{}, err
	}
	resp := v.(domain.Response)
	resp.RagEnhanced = resp.RagEnhanced || req.Prompt != canonical.Prompt
	return resp, nil
}

func (r *Router) validate(req domain.Request) error {
	if req.Prompt == "" && !r.cfg.AllowEmptyPrompt {
		return errs.New(errs.KindInvalidRequest, "prompt must not be empty")
	}
	if req.Options.MaxTokens > 0 {
		model := req.Options.ModelOverride
		if est := r.tokens.Estimate(model, req.Prompt); est > req.Options.MaxTokens {
			return errs.New(errs.KindInvalidRequest, "estimated prompt tokens exceed max_tokens")
		}
	}
	return nil
}

// dispatch selects candidates, tries the best one, and fails over to the
// next-best exactly once on a retriable error.
func (r *Router) dispatch(ctx context.Context, req domain.Request, fp fingerprint.Fingerprint, log *zap.Logger) (domain.Response, error) {
	candidates := r.selectCandidates(req)
	if len(candidates) == 0 {
		err := errs.New(errs.KindNoBackendAvail, "no enabled, non-open-circuit backend available")
		r.appendLedger(fp, domain.Response{}, "", ledger.OutcomeFailure)
		return domain.Response{}, err
	}

	ctx, cancel := deadline.WithDeadline(ctx, r.budgets, deadline.OpRouterRequest, req.Options.Priority)
	defer cancel()

	hops := len(candidates)
	if hops > 2 {
		hops = 2 // at most one failover hop beyond the primary choice
	}

	var lastErr error
	lastBackend := ""
	totalAttempts := 0
	for i := 0; i < hops; i++ {
		cand := candidates[i]
		resp, attempts, err := r.callCandidate(ctx, req, cand, req.Options.Priority)
		totalAttempts += attempts
		lastBackend = cand.Descriptor.ID
		if err == nil {
			outcome := ledger.OutcomeSuccess
			if i > 0 || totalAttempts > 1 {
				outcome = ledger.OutcomeRetriedSuccess
			}
			r.appendLedger(fp, resp, cand.Descriptor.ID, outcome)
			if r.stats != nil {
				r.stats.RecordCall(cand.Descriptor.ID, string(outcome), time.Duration(resp.LatencyMs)*time.Millisecond, resp.TokensInput, resp.TokensOutput, resp.Cost)
			}
			if !req.Options.BypassCache {
				_ = r.cache.Set(fp, resp, -1) // negative ttl asks Cache.Set for its configured default
			}
			return resp, nil
		}
		lastErr = err
		log.Warn("backend call failed",
			zap.String("backend", cand.Descriptor.ID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if !errs.IsRetryable(err) {
			break
		}
	}

	r.appendLedger(fp, domain.Response{}, lastBackend, ledger.OutcomeFailure)
	if r.stats != nil && lastBackend != "" {
		r.stats.RecordCall(lastBackend, string(ledger.OutcomeFailure), 0, 0, 0, 0)
	}
	if lastErr == nil {
		lastErr = errs.New(errs.KindNoBackendAvail, "no candidate succeeded")
	}
	return domain.Response{}, lastErr
}

// selectCandidates returns enabled, non-open-circuit backends ordered
// best-first. A populated backend_preference pins that backend to the
// front when it is itself eligible; otherwise selection falls through to
// normal scoring.
func (r *Router) selectCandidates(req domain.Request) []Backend {
	all := r.backends.load()
	inputs := make([]scoreInput, 0, len(all))
	byID := make(map[string]Backend, len(all))
	for id, b := range all {
		if !b.Descriptor.Enabled {
			continue
		}
		if r.health.BreakerState(id) == breaker.StateOpen {
			continue
		}
		byID[id] = b
		runtime := r.health.Runtime(id)
		inputs = append(inputs, scoreInput{
			id:          id,
			cost:        estimateCost(b.Descriptor, req),
			ewmaLatency: runtime.EWMALatencyMs,
			priority:    b.Descriptor.Priority,
			successRate: runtime.RollingSuccessRate,
		})
	}
	if len(inputs) == 0 {
		return nil
	}

	ranked := rank(r.cfg.Weights, inputs)
	ordered := make([]Backend, 0, len(ranked))

	pref := req.Options.BackendPreference
	if pref != "" {
		if b, ok := byID[pref]; ok {
			ordered = append(ordered, b)
			for _, s := range ranked {
				if s.id != pref {
					ordered = append(ordered, byID[s.id])
				}
			}
			return ordered
		}
	}

	for _, s := range ranked {
		ordered = append(ordered, byID[s.id])
	}
	return ordered
}

func estimateCost(d domain.BackendDescriptor, req domain.Request) float64 {
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512 // a rough completion-size assumption when unbounded
	}
	return fingerprint.Cost(len(req.Prompt)/4, maxTokens, d.CostIn, d.CostOut)
}

// callCandidate runs one candidate through the retry supervisor, returning
// the number of attempts made (for ledger outcome classification).
func (r *Router) callCandidate(ctx context.Context, req domain.Request, cand Backend, priority int) (domain.Response, int, error) {
	model := cand.Descriptor.ModelDefault
	if req.Options.ModelOverride != "" {
		model = req.Options.ModelOverride
	}

	id := cand.Descriptor.ID
	attempts := 0
	var result domain.Response

	ctx, span := tracer.Start(ctx, "adapter.Send")
	span.SetAttributes(attribute.String("backend", id), attribute.String("model", model))
	defer span.End()

	probe := func() bool { return r.health.Allow(id) }
	lim := r.limiter(id)
	err := deadline.WithRetry(ctx, r.retry, probe, func(ctx context.Context) error {
		attempts++
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return errs.Wrap(errs.KindTimeout, err)
			}
		}
		start := r.clk.Now()
		resp, sendErr := cand.Adapter.Send(ctx, req, model)
		latency := r.clk.Now().Sub(start)
		r.health.RecordResult(id, latency, sendErr == nil)
		if sendErr != nil {
			return sendErr
		}
		resp.BackendUsed = id
		resp.ModelUsed = model
		resp.Cost = fingerprint.Cost(resp.TokensInput, resp.TokensOutput, cand.Descriptor.CostIn, cand.Descriptor.CostOut)
		resp.LatencyMs = latency.Milliseconds()
		resp.FinishedAt = r.clk.Now()
		result = resp
		return nil
	})
	return result, attempts, err
}

func (r *Router) appendLedger(fp fingerprint.Fingerprint, resp domain.Response, backendID string, outcome ledger.Outcome) {
	if backendID == "" {
		backendID = resp.BackendUsed
	}
	_, err := r.ledger.Append(ledger.Event{
		Timestamp:    r.clk.Now(),
		Backend:      backendID,
		Fingerprint:  fp.String(),
		TokensInput:  resp.TokensInput,
		TokensOutput: resp.TokensOutput,
		Cost:         resp.Cost,
		CacheHit:     resp.CacheHit,
		LatencyMs:    resp.LatencyMs,
		Outcome:      outcome,
	})
	if err != nil {
		r.logger.Warn("ledger append failed", zap.Error(err))
	}
}

// Candidates returns a snapshot of the currently eligible backends ordered
// best-first, for status/introspection endpoints (claudette_status).
func (r *Router) Candidates(req domain.Request) []domain.BackendDescriptor {
	cands := r.selectCandidates(req)
	out := make([]domain.BackendDescriptor, len(cands))
	for i, c := range cands {
		out[i] = c.Descriptor
	}
	return out
}

// Snapshot returns every registered backend's descriptor and runtime state,
// sorted by id, for the claudette_status/claudette_health RPC tools.
func (r *Router) Snapshot() []BackendStatus {
	all := r.backends.load()
	out := make([]BackendStatus, 0, len(all))
	for id, b := range all {
		out = append(out, BackendStatus{
			Descriptor: b.Descriptor,
			Runtime:    r.health.Runtime(id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// BackendStatus pairs a descriptor with its live runtime state.
type BackendStatus struct {
	Descriptor domain.BackendDescriptor
	Runtime    domain.BackendRuntime
}
