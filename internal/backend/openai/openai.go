// Package openai implements backend.Adapter using the official OpenAI SDK,
// trimmed to a single non-streaming chat-completions call. A custom base
// URL reroutes the SDK at the transport layer, so OpenAI-API-shaped proxies
// work unchanged.
package openai

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/RobLe3/claudette/internal/backend"
	"github.com/RobLe3/claudette/internal/domain"
	"github.com/RobLe3/claudette/internal/errs"
	"github.com/RobLe3/claudette/internal/tlsutil"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config describes one OpenAI (or OpenAI-API-shaped) backend instance.
type Config struct {
	ID      string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Adapter wraps the openai-go client.
type Adapter struct {
	id     string
	client openaiSDK.Client
}

// New constructs an OpenAI Adapter.
func New(cfg Config) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := tlsutil.SecureHTTPClient(timeout)
	base := cfg.BaseURL
	if base != "" && base != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(httpClient.Transport, base)
	}

	client := openaiSDK.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	)
	return &Adapter{id: cfg.ID, client: client}
}

func (a *Adapter) ID() string { return a.id }

// HealthCheck lists models as a cheap liveness probe.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx); err != nil {
		return toAdapterError(err, a.id)
	}
	return nil
}

// Send performs one chat-completions call.
func (a *Adapter) Send(ctx context.Context, req domain.Request, model string) (domain.Response, error) {
	started := time.Now()

	params := openaiSDK.ChatCompletionNewParams{
		Model:    model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.UserMessage(req.Prompt)},
	}
	if req.Options.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Options.Temperature)
	}
	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.Options.MaxTokens))
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return domain.Response{}, toAdapterError(err, a.id)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return domain.Response{
		Content:      content,
		BackendUsed:  a.id,
		ModelUsed:    resp.Model,
		TokensInput:  int(resp.Usage.PromptTokens),
		TokensOutput: int(resp.Usage.CompletionTokens),
		LatencyMs:    time.Since(started).Milliseconds(),
		FinishedAt:   time.Now(),
	}, nil
}

func toAdapterError(err error, backendID string) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return backend.ClassifyHTTPError(apiErr.StatusCode, apiErr.Error(), backendID, 0)
	}
	return errs.Wrap(errs.KindTransientNetwork, err).WithBackend(backendID)
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL
	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}
	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}
