// Package backend defines the per-backend transport contract: the Adapter
// interface every backend kind implements, the OpenAI-compatible
// chat-completions wire shapes shared by the hand-rolled adapters, and the
// HTTP status -> error taxonomy classifier.
package backend

import (
	"context"
	"time"

	"github.com/RobLe3/claudette/internal/domain"
	"github.com/RobLe3/claudette/internal/errs"
)

// Adapter is implemented once per BackendDescriptor.
type Adapter interface {
	ID() string
	// Send performs one chat-completions call with the given deadline
	// already applied to ctx by internal/deadline.
	Send(ctx context.Context, req domain.Request, model string) (domain.Response, error)
	// HealthCheck performs a minimal liveness probe: a GET against a
	// configured liveness path where the adapter supports one, otherwise a
	// model-listing request. No adapter sends a chat probe.
	HealthCheck(ctx context.Context) error
}

// ChatMessage is one OpenAI-compatible message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the wire shape POSTed to {base_url}/chat/completions
// (base_url carries the /v1 version segment).
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

// ChatUsage is the token-accounting portion of a ChatResponse.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatChoice wraps one returned message.
type ChatChoice struct {
	Message ChatMessage `json:"message"`
}

// ChatResponse is the wire shape returned from chat-completions.
type ChatResponse struct {
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// ChatErrorBody is the error envelope OpenAI-compatible backends return.
type ChatErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ClassifyHTTPError maps an HTTP status + response body onto the error
// taxonomy in internal/errs.
func ClassifyHTTPError(status int, message string, backendID string, retryAfterSeconds int) *errs.Error {
	var kind errs.Kind
	switch status {
	case 401:
		kind = errs.KindAuth
	case 403:
		kind = errs.KindAuth
	case 400, 422:
		kind = errs.KindInvalidRequest
	case 429:
		kind = errs.KindRateLimited
	case 451:
		kind = errs.KindContentPolicy
	default:
		switch {
		case status >= 500 && status < 600:
			kind = errs.KindUpstream5xx
		case status == 0:
			kind = errs.KindTransientNetwork
		default:
			kind = errs.KindInvalidRequest
		}
	}

	e := errs.New(kind, message)
	e.LastBackend = backendID
	if kind == errs.KindRateLimited {
		e.RetryAfter = retryAfterSeconds
	}
	return e
}

// RemainingBudget is a small helper so adapters can turn a deadline
// context into a remaining-time value for logging. It reads only ctx's
// deadline and does not depend on internal/deadline.
func RemainingBudget(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(dl)
}
