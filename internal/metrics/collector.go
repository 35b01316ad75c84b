// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。持有路由、缓存、熔断器与 RAG 多路复用器的
// Prometheus 指标；internal/lifecycle 在启动时构造一个实例并注入
// router/health/rag。本包只注册收集器，不开启 HTTP 暴露端点。
type Collector struct {
	// 路由指标
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	tokensUsed   *prometheus.CounterVec
	costTotal    *prometheus.CounterVec

	// 缓存指标
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// 熔断器指标
	breakerState *prometheus.GaugeVec

	// RAG 指标
	ragQueueDepth  prometheus.Gauge
	ragEnrichTotal *prometheus.CounterVec

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector 创建指标收集器。每个 Collector 持有独立的 Registry，
// 避免测试中重复注册导致 panic。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// 路由指标
	c.callsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_calls_total",
			Help:      "Total number of routed backend calls",
		},
		[]string{"backend", "outcome"}, // outcome: success, retried_success, failure
	)

	c.callDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "router_call_duration_seconds",
			Help:      "Backend call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"backend", "type"}, // type: prompt, completion
	)

	c.costTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Total call cost in the configured currency",
		},
		[]string{"backend"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits",
		},
	)

	c.cacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses",
		},
	)

	// 熔断器指标
	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per backend (0=closed, 1=half_open, 2=open)",
		},
		[]string{"backend"},
	)

	// RAG 指标
	c.ragQueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rag_queue_depth",
			Help:      "Current depth of the RAG multiplexer priority queue",
		},
	)

	c.ragEnrichTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rag_enrich_total",
			Help:      "Total number of RAG enrichment dispatches",
		},
		[]string{"worker", "status"}, // status: ok, error
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Registry 返回底层 Registry，供嵌入进程自行暴露。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// =============================================================================
// 🚦 路由指标记录
// =============================================================================

// RecordCall 记录一次路由后的 backend 调用结果。
func (c *Collector) RecordCall(backend, outcome string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	c.callsTotal.WithLabelValues(backend, outcome).Inc()
	c.callDuration.WithLabelValues(backend).Observe(duration.Seconds())
	c.tokensUsed.WithLabelValues(backend, "prompt").Add(float64(promptTokens))
	c.tokensUsed.WithLabelValues(backend, "completion").Add(float64(completionTokens))
	c.costTotal.WithLabelValues(backend).Add(cost)
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit() { c.cacheHits.Inc() }

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss() { c.cacheMisses.Inc() }

// =============================================================================
// ⚡ 熔断器指标记录
// =============================================================================

// SetBreakerState 记录某 backend 的熔断器状态变化。
func (c *Collector) SetBreakerState(backend, state string) {
	c.breakerState.WithLabelValues(backend).Set(breakerStateValue(state))
}

// =============================================================================
// 🔀 RAG 指标记录
// =============================================================================

// SetRAGQueueDepth 记录多路复用器队列当前深度。
func (c *Collector) SetRAGQueueDepth(depth int) {
	c.ragQueueDepth.Set(float64(depth))
}

// RecordEnrich 记录一次 RAG worker 调用。
func (c *Collector) RecordEnrich(worker string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.ragEnrichTotal.WithLabelValues(worker, status).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// breakerStateValue 将熔断器状态名转换为 Gauge 数值
func breakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default: // closed
		return 0
	}
}
