// Package flexcon implements backend.Adapter against a generic
// OpenAI-compatible endpoint (the "flexcon" backend kind: any self-hosted or
// third-party service that speaks the /v1/chat/completions wire format
// without vendor-specific extensions).
package flexcon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RobLe3/claudette/internal/backend"
	"github.com/RobLe3/claudette/internal/domain"
	"github.com/RobLe3/claudette/internal/errs"
	"github.com/RobLe3/claudette/internal/tlsutil"
)

// Config describes one flexcon backend instance.
type Config struct {
	ID      string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// LivenessPath, when set, is probed with GET instead of /models.
	LivenessPath string
}

// Adapter talks to a single OpenAI-compatible HTTP endpoint.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a flexcon Adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger,
	}
}

func (a *Adapter) ID() string { return a.cfg.ID }

func (a *Adapter) endpoint(path string) string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + path
}

func (a *Adapter) authorize(req *http.Request) {
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

// HealthCheck performs a GET against the configured liveness path, or
// /models when none is set.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	path := a.cfg.LivenessPath
	if path == "" {
		path = "/models"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint(path), nil)
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, err)
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, err).WithBackend(a.cfg.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		return backend.ClassifyHTTPError(resp.StatusCode, msg, a.cfg.ID, retryAfterSeconds(resp))
	}
	return nil
}

// Send performs one chat-completions call.
func (a *Adapter) Send(ctx context.Context, req domain.Request, model string) (domain.Response, error) {
	started := time.Now()

	body := backend.ChatRequest{
		Model:       model,
		Messages:    []backend.ChatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.Response{}, errs.Wrap(errs.KindInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("/chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return domain.Response{}, errs.Wrap(errs.KindInvalidRequest, err)
	}
	a.authorize(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return domain.Response{}, errs.Wrap(errs.KindTransientNetwork, err).WithBackend(a.cfg.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		return domain.Response{}, backend.ClassifyHTTPError(resp.StatusCode, msg, a.cfg.ID, retryAfterSeconds(resp))
	}

	var chat backend.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return domain.Response{}, errs.Wrap(errs.KindUpstream5xx, err).WithBackend(a.cfg.ID)
	}
	if len(chat.Choices) == 0 {
		return domain.Response{}, errs.New(errs.KindUpstream5xx, "flexcon: empty choices").WithBackend(a.cfg.ID)
	}

	return domain.Response{
		Content:      chat.Choices[0].Message.Content,
		BackendUsed:  a.cfg.ID,
		ModelUsed:    chat.Model,
		TokensInput:  chat.Usage.PromptTokens,
		TokensOutput: chat.Usage.CompletionTokens,
		LatencyMs:    time.Since(started).Milliseconds(),
		FinishedAt:   time.Now(),
	}, nil
}

func retryAfterSeconds(resp *http.Response) int {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp backend.ChatErrorBody
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}
