// Package lifecycle is the process supervisor: it owns construction order
// for every other component, starts the background health-probe loop and
// the config file watcher, serves the JSON-RPC stdio surface, and drains
// in-flight work within the graceful-shutdown budget on SIGINT/SIGTERM.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/RobLe3/claudette/config"
	"github.com/RobLe3/claudette/internal/breaker"
	"github.com/RobLe3/claudette/internal/cache"
	"github.com/RobLe3/claudette/internal/clock"
	"github.com/RobLe3/claudette/internal/credential"
	"github.com/RobLe3/claudette/internal/deadline"
	"github.com/RobLe3/claudette/internal/health"
	"github.com/RobLe3/claudette/internal/ledger"
	"github.com/RobLe3/claudette/internal/metrics"
	"github.com/RobLe3/claudette/internal/rag"
	"github.com/RobLe3/claudette/internal/router"
	"github.com/RobLe3/claudette/internal/rpcserver"
	"github.com/RobLe3/claudette/internal/store"
)

// App wires every component in dependency order: credential store ->
// persistent stores -> metrics collector -> health monitor -> cache ->
// ledger -> backend registry -> router -> RAG multiplexer -> RPC server ->
// config reload manager.
type App struct {
	logger *zap.Logger

	cfg   *config.Config
	creds *credential.Store

	cacheStore store.Store
	ledgerStore store.Store

	cache   *cache.Cache
	ledger  *ledger.Ledger
	health  *health.Monitor
	router  *router.Router
	mux     *rag.Multiplexer
	rpc     *rpcserver.Server
	reload  *config.HotReloadManager
	stats   *metrics.Collector
	tracing *sdktrace.TracerProvider

	adaptersMu sync.RWMutex
	adapters   map[string]probeAdapter

	shutdownBudget time.Duration
}

// probeAdapter is the narrow slice of backend.Adapter the health probe loop
// needs; kept separate so lifecycle doesn't import internal/backend's full
// surface just to call HealthCheck.
type probeAdapter interface {
	HealthCheck(ctx context.Context) error
}

// New loads configuration from path (empty means defaults + environment
// only) and constructs every component. It does not start background
// goroutines or the RPC server; call Run for that.
func New(path string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: invalid config: %w", err)
	}

	a := &App{
		logger:         logger,
		cfg:            cfg,
		creds:          credential.New(),
		adapters:       make(map[string]probeAdapter),
		shutdownBudget: time.Duration(cfg.RAG.GracefulShutdownMs) * time.Millisecond,
	}
	if a.shutdownBudget <= 0 {
		a.shutdownBudget = 10 * time.Second
	}

	if err := a.openStores(); err != nil {
		return nil, err
	}

	a.stats = metrics.NewCollector("claudette", logger)

	// Spans are recorded through a real SDK provider so an embedding process
	// can attach an exporter later; with no processor registered they are
	// dropped at end-of-span.
	a.tracing = sdktrace.NewTracerProvider()
	otel.SetTracerProvider(a.tracing)

	a.health = health.New(health.Config{
		Alpha:            cfg.Health.EWMAAlpha,
		RollingWindow:    cfg.Health.RollingWindow,
		FailureThreshold: cfg.Health.FailureThreshold,
		Cooldown:         time.Duration(cfg.Health.CooldownMs) * time.Millisecond,
		Interval:         time.Duration(cfg.Health.IntervalMs) * time.Millisecond,
		OnBreakerChange: func(id string, _, to breaker.State) {
			a.stats.SetBreakerState(id, to.String())
		},
	}, clock.Real{}, logger)

	a.cache = cache.New(cache.Config{
		TTL:                 time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		MaxEntries:          cfg.Cache.MaxEntries,
		MaxBytes:            cfg.Cache.MaxBytes,
		MaxSingleEntryBytes: cfg.Cache.MaxSingleEntryBytes,
	}, clock.Real{}, a.cacheStore, logger)
	a.cache.OnDegrade = func(err error) {
		logger.Warn("cache persistent tier degraded to memory-only", zap.Error(err))
	}

	a.ledger = ledger.New(ledger.Config{}, clock.Real{}, a.ledgerStore, logger)

	backends, err := router.BuildBackends(cfg.Backends, a.creds, logger)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("lifecycle: build backends: %w", err)
	}
	for _, b := range backends {
		a.adapters[b.Descriptor.ID] = b.Adapter
	}

	budgets := deadline.DefaultBudgets()
	if cfg.Router.DefaultTimeoutMs > 0 {
		budgets.RouterRequest = time.Duration(cfg.Router.DefaultTimeoutMs) * time.Millisecond
	}
	retry := deadline.RetryPolicy{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		BaseDelay:        time.Duration(cfg.Retry.BaseMs) * time.Millisecond,
		Multiplier:       cfg.Retry.Multiplier,
		JitterFactor:     cfg.Retry.JitterFactor,
		RetriableClasses: cfg.Retry.RetriableClasses,
	}

	a.router = router.New(router.Config{
		Weights: router.Weights{
			Cost:     cfg.Router.Weights.Cost,
			Latency:  cfg.Router.Weights.Latency,
			Priority: cfg.Router.Weights.Priority,
			Success:  cfg.Router.Weights.Success,
		},
		MaxConcurrent:    cfg.Router.MaxConcurrent,
		AllowEmptyPrompt: cfg.Router.AllowEmptyPrompt,
		BackendRPS:       cfg.Router.BackendRPS,
	}, backends, budgets, retry, a.health, a.cache, a.ledger, clock.Real{}, logger)
	a.router.SetMetrics(a.stats)

	if cfg.RAG.Enabled {
		mux, err := rag.New(cfg.RAG, budgets, logger)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("lifecycle: build rag multiplexer: %w", err)
		}
		a.mux = mux
		a.mux.SetMetrics(a.stats)
		a.router.SetEnricher(mux)
	}

	a.rpc = rpcserver.New(a.router, a.mux, a.ledger, logger)

	a.reload = config.NewHotReloadManager(cfg, config.WithHotReloadLogger(logger), config.WithConfigPath(path))
	a.reload.OnReload(a.applyReload)

	return a, nil
}

// openStores opens the persistent tiers: a bbolt-backed directory
// (cache.db + ledger.db) by default, or a shared redis client split into
// two Store handles when cache.backend is "redis". Redis open failures are
// not fatal; the cache and ledger both tolerate a nil durable store by
// degrading to memory-only / ledger_unavailable.
func (a *App) openStores() error {
	cfg := a.cfg.Cache
	switch cfg.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cacheStore, err := store.OpenRedis(rdb)
		if err != nil {
			a.logger.Warn("redis persistent store unavailable, running memory-only", zap.Error(err))
			return nil
		}
		ledgerStore, err := store.OpenRedis(rdb)
		if err != nil {
			a.logger.Warn("redis ledger store unavailable, ledger durability disabled", zap.Error(err))
			a.cacheStore = cacheStore
			return nil
		}
		a.cacheStore = cacheStore
		a.ledgerStore = ledgerStore
		return nil
	default:
		if cfg.PersistentPath == "" {
			a.logger.Info("no cache.persistent_path configured, running memory-only")
			return nil
		}
		if err := os.MkdirAll(cfg.PersistentPath, 0o755); err != nil {
			return fmt.Errorf("lifecycle: create persistent path: %w", err)
		}
		cacheDB, err := store.OpenBbolt(filepath.Join(cfg.PersistentPath, "cache.db"))
		if err != nil {
			return fmt.Errorf("lifecycle: open cache store: %w", err)
		}
		ledgerDB, err := store.OpenBbolt(filepath.Join(cfg.PersistentPath, "ledger.db"))
		if err != nil {
			_ = cacheDB.Close()
			return fmt.Errorf("lifecycle: open ledger store: %w", err)
		}
		a.cacheStore = cacheDB
		a.ledgerStore = ledgerDB
		return nil
	}
}

func (a *App) closeStores() {
	if a.cacheStore != nil {
		_ = a.cacheStore.Close()
	}
	if a.ledgerStore != nil {
		_ = a.ledgerStore.Close()
	}
}

// applyReload rebuilds the backend registry from a newly-loaded
// configuration without dropping in-flight work. Only the backend list is
// applied: the RAG worker pool is not rebuilt and keeps its workers, and the
// router, retry, health and cache settings keep the values the App was
// constructed with. Cache/ledger storage, which is opened once at startup,
// is left alone as well (config/hotreload.go marks Cache.PersistentPath as
// requiring a restart).
func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	backends, err := router.BuildBackends(newCfg.Backends, a.creds, a.logger)
	if err != nil {
		a.logger.Error("config reload: rebuilding backends failed, keeping previous registry", zap.Error(err))
		return
	}
	a.adaptersMu.Lock()
	a.adapters = make(map[string]probeAdapter, len(backends))
	for _, b := range backends {
		a.adapters[b.Descriptor.ID] = b.Adapter
	}
	a.adaptersMu.Unlock()
	a.router.SetBackends(backends)
	a.logger.Info("config reload applied", zap.Int("backends", len(backends)))
}

// Run starts background tasks (health probes, config watcher, RAG worker
// pool) and serves the JSON-RPC stdio surface until in closes, ctx is
// cancelled, or a SIGINT/SIGTERM arrives. It always attempts a graceful
// Shutdown before returning.
func (a *App) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()

	ids := make([]string, 0, len(a.cfg.Backends))
	for _, b := range a.cfg.Backends {
		ids = append(ids, b.ID)
	}
	go a.health.RunProbeLoop(probeCtx, ids, a.probe)

	if err := a.reload.Start(ctx); err != nil {
		a.logger.Warn("config watcher failed to start", zap.Error(err))
	}

	if a.mux != nil {
		if err := a.mux.Start(ctx); err != nil {
			a.logger.Warn("rag multiplexer failed to start", zap.Error(err))
		}
	}

	runErr := a.rpc.Run(ctx, in, out)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownBudget)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown error", zap.Error(err))
	}

	return runErr
}

func (a *App) probe(ctx context.Context, id string) error {
	a.adaptersMu.RLock()
	adapter, ok := a.adapters[id]
	a.adaptersMu.RUnlock()
	if !ok {
		return fmt.Errorf("lifecycle: no adapter registered for backend %q", id)
	}
	ctx, cancel := deadline.WithDeadline(ctx, deadline.DefaultBudgets(), deadline.OpHealthCheck, 0)
	defer cancel()
	return adapter.HealthCheck(ctx)
}

// Shutdown drains the RAG multiplexer and closes persistent stores within
// ctx's deadline. The RPC server
// itself has no separate drain step: Run already waits for every in-flight
// handleLine goroutine before returning.
func (a *App) Shutdown(ctx context.Context) error {
	_ = a.reload.Stop()
	if a.mux != nil {
		if err := a.mux.Shutdown(ctx); err != nil {
			a.logger.Warn("rag multiplexer shutdown error", zap.Error(err))
		}
	}
	if a.tracing != nil {
		_ = a.tracing.Shutdown(ctx)
	}
	a.closeStores()
	return nil
}

// Config returns the currently active configuration, for cmd/claudette's
// startup logging.
func (a *App) Config() *config.Config { return a.cfg }

// Metrics returns the process-wide Prometheus collector so an embedding
// process can expose its registry.
func (a *App) Metrics() *metrics.Collector { return a.stats }
