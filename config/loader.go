// =============================================================================
// 📦 Claudette Configuration Loader
// =============================================================================
// Unified config loading: YAML file + environment variable overlay.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("claudette.yaml").
//	    WithEnvPrefix("CLAUDETTE").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 Core configuration structure
// =============================================================================

// Config is Claudette's complete startup configuration.
type Config struct {
	// Backends are the candidate LLM endpoints the router selects over.
	Backends []BackendConfig `yaml:"backends" env:"-"`

	// Cache tunes the two-tier response cache.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Router tunes selection scoring and concurrency.
	Router RouterConfig `yaml:"router" env:"ROUTER"`

	// Health tunes the health monitor / circuit breaker.
	Health HealthConfig `yaml:"health" env:"HEALTH"`

	// Retry tunes the timeout supervisor's retry policy.
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// RAG tunes the RAG multiplexer worker pool.
	RAG RAGConfig `yaml:"rag" env:"RAG"`

	// Server selects the external transport. Only stdio_jsonrpc exists in
	// this version.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log configures the shared zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// BackendConfig is one BackendDescriptor as read from config.
//
// Kind is the wire-protocol dialect exposed to the router; Provider picks which internal/backend adapter
// constructor speaks that dialect for this entry ("openai", "flexcon", or
// "qwen" — see internal/router's registry construction). Defaults to
// "flexcon" when empty, since that adapter is the generic HTTP client the
// other two specialise.
type BackendConfig struct {
	ID           string         `yaml:"id" env:"-"`
	Kind         string         `yaml:"kind" env:"-"`
	Provider     string         `yaml:"provider" env:"-"`
	BaseURL      string         `yaml:"base_url" env:"-"`
	AuthRef      string         `yaml:"auth_ref" env:"-"`
	Model        string         `yaml:"model" env:"-"`
	CostIn       float64        `yaml:"cost_in" env:"-"`
	CostOut      float64        `yaml:"cost_out" env:"-"`
	Priority     int            `yaml:"priority" env:"-"`
	Enabled      bool           `yaml:"enabled" env:"-"`
	LivenessPath string         `yaml:"liveness_path" env:"-"`
	Timeouts     TimeoutsConfig `yaml:"timeouts" env:"-"`
}

// TimeoutsConfig overrides internal/deadline's defaults per backend.
type TimeoutsConfig struct {
	HealthMs  int64 `yaml:"health" env:"-"`
	SimpleMs  int64 `yaml:"simple" env:"-"`
	ComplexMs int64 `yaml:"complex" env:"-"`
}

// CacheConfig tunes the two-tier response cache.
type CacheConfig struct {
	TTLSeconds          int    `yaml:"ttl_seconds" env:"TTL_SECONDS"`
	MaxEntries          int    `yaml:"max_entries" env:"MAX_ENTRIES"`
	MaxBytes            int64  `yaml:"max_bytes" env:"MAX_BYTES"`
	MaxSingleEntryBytes int64  `yaml:"max_single_entry_bytes" env:"MAX_SINGLE_ENTRY_BYTES"`
	PersistentPath      string `yaml:"persistent_path" env:"PERSISTENT_PATH"`
	Backend             string `yaml:"backend" env:"BACKEND"` // "bbolt" or "redis"
	RedisAddr           string `yaml:"redis_addr" env:"REDIS_ADDR"`
}

// RouterWeights are the relative scoring-formula weights.
type RouterWeights struct {
	Cost     float64 `yaml:"cost" env:"COST"`
	Latency  float64 `yaml:"latency" env:"LATENCY"`
	Priority float64 `yaml:"priority" env:"PRIORITY"`
	Success  float64 `yaml:"success" env:"SUCCESS"`
}

// RouterConfig tunes selection scoring and concurrency.
type RouterConfig struct {
	Weights          RouterWeights `yaml:"weights" env:"WEIGHTS"`
	MaxConcurrent    int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	DefaultTimeoutMs int64         `yaml:"default_timeout_ms" env:"DEFAULT_TIMEOUT_MS"`
	AllowEmptyPrompt bool          `yaml:"allow_empty_prompt" env:"ALLOW_EMPTY_PROMPT"`
	// BackendRPS rate-shapes outbound calls per backend; 0 means unlimited.
	BackendRPS float64 `yaml:"backend_rps" env:"BACKEND_RPS"`
}

// HealthConfig tunes the health monitor and circuit breakers.
type HealthConfig struct {
	IntervalMs       int64   `yaml:"interval_ms" env:"INTERVAL_MS"`
	FailureThreshold int     `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	CooldownMs       int64   `yaml:"cooldown_ms" env:"COOLDOWN_MS"`
	EWMAAlpha        float64 `yaml:"ewma_alpha" env:"EWMA_ALPHA"`
	RollingWindow    int     `yaml:"rolling_window" env:"ROLLING_WINDOW"`
}

// RetryConfig tunes the retry supervisor.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseMs          int64    `yaml:"base_ms" env:"BASE_MS"`
	Multiplier      float64  `yaml:"multiplier" env:"MULTIPLIER"`
	JitterFactor    float64  `yaml:"jitter_factor" env:"JITTER_FACTOR"`
	RetriableClasses []string `yaml:"retriable_classes" env:"RETRIABLE_CLASSES"`
}

// RAGWorkerConfig is one configured MultiplexServer.
type RAGWorkerConfig struct {
	ID           string   `yaml:"id" env:"-"`
	Transport    string   `yaml:"transport" env:"-"` // "stdio", "http", "ws"
	Endpoint     string   `yaml:"endpoint" env:"-"`
	Command      []string `yaml:"command" env:"-"` // for stdio transport
	Capabilities []string `yaml:"capabilities" env:"-"`
	Weight       float64  `yaml:"weight" env:"-"`
}

// RAGQueueConfig bounds the multiplexer priority queue.
type RAGQueueConfig struct {
	MaxSize      int `yaml:"max_size" env:"MAX_SIZE"`
	PerPriorityCap int `yaml:"per_priority_cap" env:"PER_PRIORITY_CAP"`
}

// RAGConfig tunes the RAG multiplexer.
type RAGConfig struct {
	Enabled               bool              `yaml:"enabled" env:"ENABLED"`
	Strategy              string            `yaml:"strategy" env:"STRATEGY"`
	Workers               []RAGWorkerConfig `yaml:"workers" env:"-"`
	Queue                 RAGQueueConfig    `yaml:"queue" env:"QUEUE"`
	GracefulShutdownMs    int64             `yaml:"graceful_shutdown_ms" env:"GRACEFUL_SHUTDOWN_MS"`
	WorkerConcurrencyCap  int               `yaml:"worker_concurrency_cap" env:"WORKER_CONCURRENCY_CAP"`
}

// ServerConfig selects the external transport.
type ServerConfig struct {
	Mode string `yaml:"mode" env:"MODE"`
}

// LogConfig configures the shared zap logger.
type LogConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// =============================================================================
// 🔧 Loader
// =============================================================================

// Loader loads Config via the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CLAUDETTE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads configuration: defaults -> YAML file -> environment overlay.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile unmarshals YAML into cfg, rejecting unknown keys.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv overlays environment variables onto cfg.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively overlays struct fields from the environment.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue assigns a string env value to a reflect.Value of any
// primitive kind the config tree uses.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 Helpers
// =============================================================================

// MustLoad loads configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults + environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks structural invariants the router cannot safely run
// without.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Backends) == 0 {
		errs = append(errs, "at least one backend must be configured")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			errs = append(errs, "backend id must not be empty")
			continue
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Sprintf("duplicate backend id %q", b.ID))
		}
		seen[b.ID] = true
		if b.Kind != "openai_compatible" {
			errs = append(errs, fmt.Sprintf("backend %q: unsupported kind %q", b.ID, b.Kind))
		}
		if b.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("backend %q: base_url must not be empty", b.ID))
		}
		switch b.Provider {
		case "", "openai", "flexcon", "qwen":
		default:
			errs = append(errs, fmt.Sprintf("backend %q: unsupported provider %q", b.ID, b.Provider))
		}
	}

	if c.Router.MaxConcurrent <= 0 {
		errs = append(errs, "router.max_concurrent must be positive")
	}
	if c.Health.FailureThreshold <= 0 {
		errs = append(errs, "health.failure_threshold must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be positive")
	}
	if c.Server.Mode != "stdio_jsonrpc" {
		errs = append(errs, fmt.Sprintf("server.mode: unsupported mode %q", c.Server.Mode))
	}
	if c.RAG.Enabled && len(c.RAG.Workers) == 0 {
		errs = append(errs, "rag.enabled is true but no workers are configured")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
