package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, CacheConfig{}, cfg.Cache)
	assert.NotEqual(t, RouterConfig{}, cfg.Router)
	assert.NotEqual(t, HealthConfig{}, cfg.Health)
	assert.NotEqual(t, RetryConfig{}, cfg.Retry)
	assert.NotEqual(t, RAGConfig{}, cfg.RAG)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.Nil(t, cfg.Backends)
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, "stdio_jsonrpc", cfg.Mode)
}

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()
	assert.Equal(t, 600, cfg.TTLSeconds)
	assert.Equal(t, 10_000, cfg.MaxEntries)
	assert.Equal(t, int64(64<<20), cfg.MaxBytes)
	assert.Equal(t, int64(1<<20), cfg.MaxSingleEntryBytes)
	assert.Equal(t, "bbolt", cfg.Backend)
}

func TestDefaultRouterConfig(t *testing.T) {
	cfg := DefaultRouterConfig()
	assert.InDelta(t, 0.4, cfg.Weights.Cost, 0.001)
	assert.InDelta(t, 0.3, cfg.Weights.Latency, 0.001)
	assert.InDelta(t, 0.15, cfg.Weights.Priority, 0.001)
	assert.InDelta(t, 0.15, cfg.Weights.Success, 0.001)
	assert.Equal(t, 64, cfg.MaxConcurrent)
	assert.Equal(t, int64(60_000), cfg.DefaultTimeoutMs)
	assert.False(t, cfg.AllowEmptyPrompt)
}

func TestDefaultHealthConfig(t *testing.T) {
	cfg := DefaultHealthConfig()
	assert.Equal(t, int64(30_000), cfg.IntervalMs)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, int64(30_000), cfg.CooldownMs)
	assert.InDelta(t, 0.2, cfg.EWMAAlpha, 0.001)
	assert.Equal(t, 50, cfg.RollingWindow)
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, int64(1000), cfg.BaseMs)
	assert.InDelta(t, 2.0, cfg.Multiplier, 0.001)
	assert.InDelta(t, 0.25, cfg.JitterFactor, 0.001)
	assert.Contains(t, cfg.RetriableClasses, "timeout")
	assert.Contains(t, cfg.RetriableClasses, "rate_limited")
}

func TestDefaultRAGConfig(t *testing.T) {
	cfg := DefaultRAGConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "round_robin", cfg.Strategy)
	assert.Equal(t, 256, cfg.Queue.MaxSize)
	assert.Equal(t, 32, cfg.Queue.PerPriorityCap)
	assert.Equal(t, int64(10_000), cfg.GracefulShutdownMs)
	assert.Equal(t, 4, cfg.WorkerConcurrencyCap)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.EnableCaller)
}
