package router

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/RobLe3/claudette/config"
	"github.com/RobLe3/claudette/internal/backend"
	"github.com/RobLe3/claudette/internal/backend/flexcon"
	"github.com/RobLe3/claudette/internal/backend/openai"
	"github.com/RobLe3/claudette/internal/backend/qwen"
	"github.com/RobLe3/claudette/internal/credential"
	"github.com/RobLe3/claudette/internal/domain"
)

// BuildBackends turns the configured backend list into the registry
// Router.New/SetBackends expects, resolving each entry's credential and
// constructing the adapter its provider field names. Kind is always
// "openai_compatible" (the only wire dialect this version speaks); Provider
// selects which of the three hand-built clients speaks it:
//
//   - "openai": internal/backend/openai, the official SDK client.
//   - "flexcon" or unset: internal/backend/flexcon, the generic HTTP client
//     for any self-hosted or third-party OpenAI-compatible endpoint. An
//     unset provider selects flexcon whatever the base URL.
//   - "qwen": internal/backend/qwen, flexcon preconfigured with DashScope's
//     base URL and default model.
func BuildBackends(entries []config.BackendConfig, creds *credential.Store, logger *zap.Logger) ([]Backend, error) {
	out := make([]Backend, 0, len(entries))
	for _, e := range entries {
		adapter, modelDefault, err := buildAdapter(e, creds, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", e.ID, err)
		}
		if modelDefault == "" {
			modelDefault = e.Model
		}

		out = append(out, Backend{
			Descriptor: domain.BackendDescriptor{
				ID:           e.ID,
				Kind:         domain.KindOpenAICompatible,
				BaseURL:      e.BaseURL,
				AuthRef:      e.AuthRef,
				ModelDefault: modelDefault,
				CostIn:       e.CostIn,
				CostOut:      e.CostOut,
				Priority:     e.Priority,
				Enabled:      e.Enabled,
				Timeouts: domain.Timeouts{
					HealthMs:  e.Timeouts.HealthMs,
					SimpleMs:  e.Timeouts.SimpleMs,
					ComplexMs: e.Timeouts.ComplexMs,
				},
			},
			Adapter: adapter,
		})
	}
	return out, nil
}

func buildAdapter(e config.BackendConfig, creds *credential.Store, logger *zap.Logger) (backend.Adapter, string, error) {
	apiKey, err := creds.Resolve(e.AuthRef)
	if err != nil {
		return nil, "", err
	}

	timeout := time.Duration(e.Timeouts.SimpleMs) * time.Millisecond

	switch e.Provider {
	case "openai":
		return openai.New(openai.Config{ID: e.ID, BaseURL: e.BaseURL, APIKey: apiKey, Timeout: timeout}), "", nil
	case "qwen":
		a := qwen.New(qwen.Config{ID: e.ID, BaseURL: e.BaseURL, APIKey: apiKey, Model: e.Model, Timeout: timeout, LivenessPath: e.LivenessPath}, logger)
		model := e.Model
		if model == "" {
			model = qwen.DefaultModel()
		}
		return a, model, nil
	case "flexcon", "":
		return flexcon.New(flexcon.Config{ID: e.ID, BaseURL: e.BaseURL, APIKey: apiKey, Timeout: timeout, LivenessPath: e.LivenessPath}, logger), "", nil
	default:
		return nil, "", fmt.Errorf("unsupported provider %q", e.Provider)
	}
}
