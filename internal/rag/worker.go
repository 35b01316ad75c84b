package rag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/RobLe3/claudette/config"
	"github.com/RobLe3/claudette/internal/errs"
)

// Worker is one MultiplexServer: a JSON-RPC-over-stdio
// subprocess, a local HTTP endpoint, or a remote websocket, interchangeable
// behind this interface. Every transport exposes the same three operations:
// a one-time startup handshake, a request/response enrichment call, and
// shutdown.
type Worker interface {
	ID() string
	Capabilities() []string
	Weight() float64

	// Handshake dials/spawns the worker and verifies it answers with the
	// expected capability set; a worker is available only after its
	// handshake response matches.
	Handshake(ctx context.Context) error

	// Enrich sends prompt to the worker and returns its enriched text.
	Enrich(ctx context.Context, prompt string) (string, error)

	// ActiveCalls reports in-flight call count, for least_connections.
	ActiveCalls() int32

	Close() error
}

// wireRequest/wireResponse are the minimal JSON-RPC 2.0 envelope workers
// speak, narrowed to the one method multiplexer workers need to answer
// beyond the handshake: "enrich".
type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type handshakeResult struct {
	Capabilities []string `json:"capabilities"`
}

type enrichParams struct {
	Prompt string `json:"prompt"`
}

type enrichResultWire struct {
	Text string `json:"text"`
}

func newRequestID(counter *int64) int64 { return atomic.AddInt64(counter, 1) }

// baseWorker holds the fields common to every transport.
type baseWorker struct {
	id           string
	capabilities []string
	weight       float64
	idCounter    int64
	active       int32
}

func (b *baseWorker) ID() string            { return b.id }
func (b *baseWorker) Capabilities() []string { return b.capabilities }
func (b *baseWorker) Weight() float64        { return b.weight }
func (b *baseWorker) ActiveCalls() int32     { return atomic.LoadInt32(&b.active) }

func (b *baseWorker) begin() func() {
	atomic.AddInt32(&b.active, 1)
	return func() { atomic.AddInt32(&b.active, -1) }
}

func hasCapabilities(got, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(got))
	for _, c := range got {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}

// --- stdio transport ---------------------------------------------------

// stdioWorker speaks newline-delimited JSON-RPC over a subprocess's stdin/
// stdout, framed one JSON object per line.
type stdioWorker struct {
	baseWorker
	command []string
	logger  *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func newStdioWorker(id string, command []string, capabilities []string, weight float64, logger *zap.Logger) *stdioWorker {
	return &stdioWorker{
		baseWorker: baseWorker{id: id, capabilities: capabilities, weight: weight},
		command:    command,
		logger:     logger,
	}
}

func (w *stdioWorker) Handshake(ctx context.Context) error {
	if len(w.command) == 0 {
		return errs.New(errs.KindInvalidRequest, "stdio worker has no command configured")
	}

	cmd := exec.CommandContext(context.Background(), w.command[0], w.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.KindTransientNetwork, err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.stdout = bufio.NewReader(stdout)
	w.mu.Unlock()

	res, err := w.call(ctx, "initialize", nil)
	if err != nil {
		_ = w.Close()
		return err
	}
	var hs handshakeResult
	if err := json.Unmarshal(res, &hs); err != nil {
		_ = w.Close()
		return errs.Wrap(errs.KindInternal, err)
	}
	if !hasCapabilities(hs.Capabilities, w.capabilities) {
		_ = w.Close()
		return errs.New(errs.KindInvalidRequest, "worker capability mismatch")
	}
	return nil
}

func (w *stdioWorker) Enrich(ctx context.Context, prompt string) (string, error) {
	done := w.begin()
	defer done()

	res, err := w.call(ctx, "enrich", enrichParams{Prompt: prompt})
	if err != nil {
		return "", err
	}
	var out enrichResultWire
	if err := json.Unmarshal(res, &out); err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	return out.Text, nil
}

// call writes one line-framed JSON-RPC request and reads one line-framed
// response, serialising access to the shared pipes: a bare subprocess pipe
// is not concurrency-safe, so calls to one stdio worker are serialised here
// while the multiplexer fans concurrency out across workers instead.
func (w *stdioWorker) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stdin == nil {
		return nil, errs.New(errs.KindNoBackendAvail, "stdio worker not started")
	}

	req := wireRequest{JSONRPC: "2.0", ID: newRequestID(&w.idCounter), Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	type callResult struct {
		resp wireResponse
		err  error
	}
	ch := make(chan callResult, 1)
	go func() {
		if _, err := w.stdin.Write(append(line, '\n')); err != nil {
			ch <- callResult{err: errs.Wrap(errs.KindTransientNetwork, err)}
			return
		}
		raw, err := w.stdout.ReadBytes('\n')
		if err != nil {
			ch <- callResult{err: errs.Wrap(errs.KindTransientNetwork, err)}
			return
		}
		var resp wireResponse
		if err := json.Unmarshal(bytes.TrimSpace(raw), &resp); err != nil {
			ch <- callResult{err: errs.Wrap(errs.KindInternal, err)}
			return
		}
		ch <- callResult{resp: resp}
	}()

	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, errs.New(errs.KindUpstream5xx, r.resp.Error.Message)
		}
		return r.resp.Result, nil
	}
}

func (w *stdioWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	return nil
}

// --- local HTTP transport -----------------------------------------------

// httpWorker speaks the same JSON-RPC envelope over a plain HTTP POST, for
// workers reachable as a local service rather than a subprocess.
type httpWorker struct {
	baseWorker
	endpoint string
	client   *http.Client
}

func newHTTPWorker(id, endpoint string, capabilities []string, weight float64, client *http.Client) *httpWorker {
	return &httpWorker{baseWorker: baseWorker{id: id, capabilities: capabilities, weight: weight}, endpoint: endpoint, client: client}
}

func (w *httpWorker) Handshake(ctx context.Context) error {
	res, err := w.call(ctx, "initialize", nil)
	if err != nil {
		return err
	}
	var hs handshakeResult
	if err := json.Unmarshal(res, &hs); err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	if !hasCapabilities(hs.Capabilities, w.capabilities) {
		return errs.New(errs.KindInvalidRequest, "worker capability mismatch")
	}
	return nil
}

func (w *httpWorker) Enrich(ctx context.Context, prompt string) (string, error) {
	done := w.begin()
	defer done()

	res, err := w.call(ctx, "enrich", enrichParams{Prompt: prompt})
	if err != nil {
		return "", err
	}
	var out enrichResultWire
	if err := json.Unmarshal(res, &out); err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	return out.Text, nil
}

func (w *httpWorker) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := wireRequest{JSONRPC: "2.0", ID: newRequestID(&w.idCounter), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errs.New(errs.KindUpstream5xx, fmt.Sprintf("worker http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, errs.New(errs.KindInvalidRequest, fmt.Sprintf("worker http %d", resp.StatusCode))
	}

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if out.Error != nil {
		return nil, errs.New(errs.KindUpstream5xx, out.Error.Message)
	}
	return out.Result, nil
}

func (w *httpWorker) Close() error { return nil }

// --- remote websocket transport ------------------------------------------

// wsWorker keeps a single persistent bidirectional connection open for the
// worker's lifetime. Enrichment needs neither heartbeats nor reconnect, so
// this is a plain dial-once, request/response-over-one-socket client,
// guarded by a mutex because a single websocket.Conn is not safe for
// concurrent writers.
type wsWorker struct {
	baseWorker
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSWorker(id, url string, capabilities []string, weight float64) *wsWorker {
	return &wsWorker{baseWorker: baseWorker{id: id, capabilities: capabilities, weight: weight}, url: url}
}

func (w *wsWorker) Handshake(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	res, err := w.call(ctx, "initialize", nil)
	if err != nil {
		_ = w.Close()
		return err
	}
	var hs handshakeResult
	if err := json.Unmarshal(res, &hs); err != nil {
		_ = w.Close()
		return errs.Wrap(errs.KindInternal, err)
	}
	if !hasCapabilities(hs.Capabilities, w.capabilities) {
		_ = w.Close()
		return errs.New(errs.KindInvalidRequest, "worker capability mismatch")
	}
	return nil
}

func (w *wsWorker) Enrich(ctx context.Context, prompt string) (string, error) {
	done := w.begin()
	defer done()

	res, err := w.call(ctx, "enrich", enrichParams{Prompt: prompt})
	if err != nil {
		return "", err
	}
	var out enrichResultWire
	if err := json.Unmarshal(res, &out); err != nil {
		return "", errs.Wrap(errs.KindInternal, err)
	}
	return out.Text, nil
}

func (w *wsWorker) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil, errs.New(errs.KindNoBackendAvail, "ws worker not connected")
	}

	req := wireRequest{JSONRPC: "2.0", ID: newRequestID(&w.idCounter), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if err := w.conn.Write(ctx, websocket.MessageText, body); err != nil {
		return nil, errs.Wrap(errs.KindTransientNetwork, err)
	}
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientNetwork, err)
	}
	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	if resp.Error != nil {
		return nil, errs.New(errs.KindUpstream5xx, resp.Error.Message)
	}
	return resp.Result, nil
}

func (w *wsWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		err := w.conn.Close(websocket.StatusNormalClosure, "shutting down")
		w.conn = nil
		return err
	}
	return nil
}

// buildWorker constructs the transport-appropriate Worker for one configured
// MultiplexServer (config.RAGWorkerConfig).
func buildWorker(cfg config.RAGWorkerConfig, logger *zap.Logger, client *http.Client) (Worker, error) {
	switch cfg.Transport {
	case "stdio":
		return newStdioWorker(cfg.ID, cfg.Command, cfg.Capabilities, cfg.Weight, logger), nil
	case "http":
		return newHTTPWorker(cfg.ID, cfg.Endpoint, cfg.Capabilities, cfg.Weight, client), nil
	case "ws":
		return newWSWorker(cfg.ID, cfg.Endpoint, cfg.Capabilities, cfg.Weight), nil
	default:
		return nil, errs.New(errs.KindInvalidRequest, fmt.Sprintf("unknown rag worker transport %q", cfg.Transport))
	}
}
