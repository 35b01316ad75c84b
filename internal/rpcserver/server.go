package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/RobLe3/claudette/internal/ledger"
	"github.com/RobLe3/claudette/internal/rag"
	"github.com/RobLe3/claudette/internal/router"
)

// Server is the JSON-RPC 2.0 stdio surface. One Server serves one
// stdin/stdout pair for the process lifetime; internal/lifecycle owns its
// Run goroutine.
type Server struct {
	router *router.Router
	mux    *rag.Multiplexer // nil when RAG is disabled; claudette_health then reports "workers" as null
	ledger *ledger.Ledger
	logger *zap.Logger

	writeMu sync.Mutex
}

// New wires a Server to its collaborators. mux may be nil.
func New(r *router.Router, mux *rag.Multiplexer, l *ledger.Ledger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{router: r, mux: mux, ledger: l, logger: logger}
}

// Run reads newline-delimited JSON-RPC requests from in until it hits EOF or
// ctx is cancelled, dispatching each line to its own goroutine so slow
// requests never block the line reader. It returns once
// every in-flight request has written its response.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)

	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleLine(ctx, out, line)
			}()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	wg.Wait()
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, out io.Writer, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(out, newError(nil, ErrParse, "Parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.write(out, newError(req.ID, ErrInvalidRequest, "invalid request"))
		return
	}
	s.write(out, s.dispatch(ctx, req))
}

// dispatch routes one decoded request by method name.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "initialize":
		return newResult(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "claudette", "version": "0.1.0"},
		})

	case "tools/list":
		return newResult(req.ID, map[string]any{"tools": toolDescriptors})

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newError(req.ID, ErrInvalidParams, "invalid tools/call params")
		}
		result, rpcErr := s.callTool(ctx, params)
		if rpcErr != nil {
			return Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		}
		return newResult(req.ID, result)

	case "resources/list":
		return newResult(req.ID, map[string]any{"resources": []any{}})

	default:
		return newError(req.ID, ErrMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// write serialises one response line; stdout is a single shared writer so
// concurrent handlers must not interleave partial writes.
func (s *Server) write(out io.Writer, resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal rpc response", zap.Error(err))
		return
	}
	body = append(body, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := out.Write(body); err != nil {
		s.logger.Error("failed to write rpc response", zap.Error(err))
	}
}
