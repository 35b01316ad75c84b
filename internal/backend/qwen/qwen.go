// Package qwen implements backend.Adapter for Alibaba's DashScope
// OpenAI-compatible endpoint, and for self-hosted Qwen deployments that set
// their own base_url. No streaming in this version, no tool calling in this
// version.
package qwen

import (
	"time"

	"go.uber.org/zap"

	"github.com/RobLe3/claudette/internal/backend/flexcon"
)

const defaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
const defaultModel = "qwen3-235b-a22b"

// Config describes one Qwen backend instance.
type Config struct {
	ID           string
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	LivenessPath string
}

// New constructs a Qwen adapter. Qwen's wire format is OpenAI-compatible, so
// this wraps flexcon.Adapter with Qwen's documented defaults rather than
// duplicating the HTTP plumbing.
func New(cfg Config, logger *zap.Logger) *flexcon.Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return flexcon.New(flexcon.Config{
		ID:           cfg.ID,
		BaseURL:      base,
		APIKey:       cfg.APIKey,
		Timeout:      cfg.Timeout,
		LivenessPath: cfg.LivenessPath,
	}, logger)
}

// DefaultModel returns Qwen's documented default chat model, used when a
// BackendDescriptor.model_default is left blank for a qwen-kind backend.
func DefaultModel() string { return defaultModel }
