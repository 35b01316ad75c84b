// =============================================================================
// 📦 Claudette Default Configuration
// =============================================================================
// Provides sane defaults for every configuration section.
// =============================================================================
package config

// DefaultConfig returns the baseline configuration. Backends is
// intentionally empty: a real deployment must declare at least one backend,
// enforced by Config.Validate.
func DefaultConfig() *Config {
	return &Config{
		Backends: nil,
		Cache:    DefaultCacheConfig(),
		Router:   DefaultRouterConfig(),
		Health:   DefaultHealthConfig(),
		Retry:    DefaultRetryConfig(),
		RAG:      DefaultRAGConfig(),
		Server:   DefaultServerConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultCacheConfig: 10 minute TTL, 10k entries, 64 MiB memory tier.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTLSeconds:          600,
		MaxEntries:          10_000,
		MaxBytes:            64 << 20,
		MaxSingleEntryBytes: 1 << 20,
		Backend:             "bbolt",
	}
}

// DefaultRouterConfig favours cost then latency ("default favours cost then
// latency").
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Weights: RouterWeights{
			Cost:     0.4,
			Latency:  0.3,
			Priority: 0.15,
			Success:  0.15,
		},
		MaxConcurrent:    64,
		DefaultTimeoutMs: 60_000,
		AllowEmptyPrompt: false,
	}
}

// DefaultHealthConfig: 30s probes, breaker trips after 3 consecutive failures.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		IntervalMs:       30_000,
		FailureThreshold: 3,
		CooldownMs:       30_000,
		EWMAAlpha:        0.2,
		RollingWindow:    50,
	}
}

// DefaultRetryConfig: 3 attempts, 1s base, exponential with ±25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseMs:       1000,
		Multiplier:   2.0,
		JitterFactor: 0.25,
		RetriableClasses: []string{
			"timeout", "transient_network", "upstream_5xx", "rate_limited",
		},
	}
}

// DefaultRAGConfig: disabled until workers are configured.
func DefaultRAGConfig() RAGConfig {
	return RAGConfig{
		Enabled:  false,
		Strategy: "round_robin",
		Queue: RAGQueueConfig{
			MaxSize:        256,
			PerPriorityCap: 32,
		},
		GracefulShutdownMs:   10_000,
		WorkerConcurrencyCap: 4,
	}
}

// DefaultServerConfig selects the only transport this version has.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Mode: "stdio_jsonrpc"}
}

// DefaultLogConfig returns sane zap defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		EnableCaller: true,
	}
}
