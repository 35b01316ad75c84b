// Package domain holds the shared request/response/backend data model
// that internal/cache, internal/ledger, internal/backend,
// internal/health, and internal/router all need without importing each
// other.
package domain

import "time"

// Attachment is one named, content-addressed request attachment.
type Attachment struct {
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
	Role        string `json:"role"`
}

// Options is the full option set a caller may supply. Only a subset of
// these fields participate in the cache fingerprint (internal/fingerprint
// excludes Priority, BypassCache, and metadata).
type Options struct {
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
	ModelOverride     string  `json:"model_override,omitempty"`
	BackendPreference string  `json:"backend_preference,omitempty"`
	BypassCache       bool    `json:"bypass_cache,omitempty"`
	Priority          int     `json:"priority"` // 0..9, higher is more urgent
}

// Request is the full inbound call.
type Request struct {
	Prompt      string            `json:"prompt"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Options     Options           `json:"options"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Response is the full outbound result.
type Response struct {
	Content      string    `json:"content"`
	BackendUsed  string    `json:"backend_used"`
	ModelUsed    string    `json:"model_used"`
	TokensInput  int       `json:"tokens_input"`
	TokensOutput int       `json:"tokens_output"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latency_ms"`
	CacheHit     bool      `json:"cache_hit"`
	RagEnhanced  bool      `json:"rag_enhanced"`
	FinishedAt   time.Time `json:"finished_at"`
}

// BackendKind enumerates the supported backend transport dialects. Only
// openai_compatible exists in this version.
type BackendKind string

const KindOpenAICompatible BackendKind = "openai_compatible"

// Timeouts are the per-backend timeout values from configuration. SimpleMs
// becomes the adapter's HTTP client timeout when the backend is built;
// HealthMs and ComplexMs are not read. The router's deadline budgets come
// from internal/deadline and are not overridden by these values.
type Timeouts struct {
	HealthMs  int64 `json:"health_ms,omitempty"`
	SimpleMs  int64 `json:"simple_ms,omitempty"`
	ComplexMs int64 `json:"complex_ms,omitempty"`
}

// BackendDescriptor is the static, config-derived identity of a backend.
// Router holds descriptors by id, never by cyclic owning reference.
type BackendDescriptor struct {
	ID           string      `json:"id"`
	Kind         BackendKind `json:"kind"`
	BaseURL      string      `json:"base_url"`
	AuthRef      string      `json:"auth_ref"`
	ModelDefault string      `json:"model_default"`
	CostIn       float64     `json:"cost_in"`
	CostOut      float64     `json:"cost_out"`
	Priority     int         `json:"priority"`
	Enabled      bool        `json:"enabled"`
	Timeouts     Timeouts    `json:"timeouts"`
}

// BreakerState mirrors internal/breaker.State without importing it, so
// domain stays leaf-level; internal/health converts between the two.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BackendRuntime is the health-monitor-mutated counterpart to a descriptor.
type BackendRuntime struct {
	EWMALatencyMs      float64
	RollingSuccessRate float64
	ConsecutiveFails   int
	BreakerState       BreakerState
	BreakerOpenedAt    time.Time
	LastHealthAt       time.Time
	Healthy            bool
}
