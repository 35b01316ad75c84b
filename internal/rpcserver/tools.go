package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RobLe3/claudette/internal/domain"
	"github.com/RobLe3/claudette/internal/errs"
)

// toolDescriptor is the shape tools/list returns for each exposed tool.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

var toolDescriptors = []toolDescriptor{
	{
		Name:        "claudette_query",
		Description: "Route a prompt through the cost-aware backend selector and return the completion.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":      map[string]any{"type": "string"},
				"backend":     map[string]any{"type": "string"},
				"model":       map[string]any{"type": "string"},
				"max_tokens":  map[string]any{"type": "integer"},
				"temperature": map[string]any{"type": "number"},
			},
			"required": []string{"prompt"},
		},
	},
	{
		Name:        "claudette_status",
		Description: "Return a system health snapshot: registered backends, runtime state, and ledger totals.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "claudette_analyze",
		Description: "Run a router-orchestrated analytic call against a named target.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target": map[string]any{"type": "string"},
				"type":   map[string]any{"type": "string"},
			},
			"required": []string{"target", "type"},
		},
	},
	{
		Name:        "claudette_health",
		Description: "Return per-backend and RAG-multiplexer health status.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type queryArgs struct {
	Prompt      string   `json:"prompt"`
	Backend     string   `json:"backend,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type analyzeArgs struct {
	Target string `json:"target"`
	Type   string `json:"type"`
}

// textContent wraps a tool result as MCP-style content; every tool returns
// the same shape regardless of its underlying result.
func textContent(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	}
}

func (s *Server) callTool(ctx context.Context, params toolCallParams) (any, *RPCError) {
	switch params.Name {
	case "claudette_query":
		return s.toolQuery(ctx, params.Arguments)
	case "claudette_status":
		return s.toolStatus(ctx)
	case "claudette_analyze":
		return s.toolAnalyze(ctx, params.Arguments)
	case "claudette_health":
		return s.toolHealth(ctx)
	default:
		return nil, &RPCError{Code: ErrMethodNotFound, Message: fmt.Sprintf("unknown tool %q", params.Name)}
	}
}

func (s *Server) toolQuery(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var args queryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &RPCError{Code: ErrInvalidParams, Message: "invalid claudette_query arguments"}
	}
	if args.Prompt == "" {
		return nil, &RPCError{Code: ErrInvalidParams, Message: "prompt is required"}
	}

	temperature := 0.7
	if args.Temperature != nil {
		temperature = *args.Temperature
	}

	req := domain.Request{
		Prompt: args.Prompt,
		Options: domain.Options{
			Temperature:       temperature,
			MaxTokens:         args.MaxTokens,
			ModelOverride:     args.Model,
			BackendPreference: args.Backend,
		},
	}

	resp, err := s.router.Optimize(ctx, req)
	if err != nil {
		return nil, classifyErr(err)
	}
	return textContent(resp.Content), nil
}

func (s *Server) toolStatus(ctx context.Context) (any, *RPCError) {
	snapshot := s.router.Snapshot()
	agg := s.ledger.Aggregate(time.Hour, "")
	body, _ := json.Marshal(map[string]any{
		"backends": snapshot,
		"ledger":   agg,
	})
	return textContent(string(body)), nil
}

func (s *Server) toolAnalyze(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var args analyzeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &RPCError{Code: ErrInvalidParams, Message: "invalid claudette_analyze arguments"}
	}
	if args.Target == "" || args.Type == "" {
		return nil, &RPCError{Code: ErrInvalidParams, Message: "target and type are required"}
	}

	req := domain.Request{
		Prompt: fmt.Sprintf("Analyze the following %s and summarise findings:\n\n%s", args.Type, args.Target),
		Options: domain.Options{
			Temperature: 0.2, // analytic calls favour determinism over creativity
			MaxTokens:   1024,
		},
	}
	resp, err := s.router.Optimize(ctx, req)
	if err != nil {
		return nil, classifyErr(err)
	}
	return textContent(resp.Content), nil
}

func (s *Server) toolHealth(ctx context.Context) (any, *RPCError) {
	backends := s.router.Snapshot()
	var workers any
	if s.mux != nil {
		workers = s.mux.Snapshot()
	}
	body, _ := json.Marshal(map[string]any{
		"backends": backends,
		"workers":  workers,
	})
	return textContent(string(body)), nil
}

// classifyErr maps the router's structured error taxonomy onto a JSON-RPC
// error code: invalid input becomes -32602, everything else -32603 (the
// reserved protocol codes only cover parse/request/method/params failures,
// so every other domain error from the router collapses to internal).
func classifyErr(err error) *RPCError {
	if errs.KindOf(err) == errs.KindInvalidRequest {
		return &RPCError{Code: ErrInvalidParams, Message: err.Error()}
	}
	return &RPCError{Code: ErrInternal, Message: err.Error()}
}
