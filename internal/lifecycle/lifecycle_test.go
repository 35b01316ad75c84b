package lifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RobLe3/claudette/config"
)

func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":"test-model","choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`)
	})
	return httptest.NewServer(mux)
}

func writeConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()
	path := filepath.Join(dir, "claudette.yaml")
	yamlBody := fmt.Sprintf(`
backends:
  - id: b1
    kind: openai_compatible
    provider: flexcon
    base_url: %s/v1
    auth_ref: ""
    model: test-model
    cost_in: 0
    cost_out: 0
    priority: 0
    enabled: true
`, baseURL)
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	return path
}

func TestNew_BuildsEveryComponent(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, srv.URL)

	app, err := New(path, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, app.router)
	require.NotNil(t, app.health)
	require.NotNil(t, app.cache)
	require.NotNil(t, app.ledger)
	require.NotNil(t, app.rpc)
	require.Nil(t, app.mux) // rag disabled by default

	snap := app.router.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "b1", snap[0].Descriptor.ID)

	require.NoError(t, app.Shutdown(context.Background()))
}

func TestApp_Run_ServesOneQueryAndDrainsOnEOF(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, srv.URL)

	app, err := New(path, zap.NewNop())
	require.NoError(t, err)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"claudette_query","arguments":{"prompt":"2+2?"}}}` + "\n")
	var out strings.Builder

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = app.Run(ctx, in, &out)
	require.NoError(t, err)

	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	require.True(t, scanner.Scan())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.Nil(t, resp["error"])
}

func TestApplyReload_RebuildsBackendRegistry(t *testing.T) {
	srv1 := fakeBackend(t)
	defer srv1.Close()
	srv2 := fakeBackend(t)
	defer srv2.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, srv1.URL)

	app, err := New(path, zap.NewNop())
	require.NoError(t, err)
	defer app.Shutdown(context.Background())

	require.Len(t, app.router.Snapshot(), 1)

	newCfg := *app.cfg
	newCfg.Backends = append([]config.BackendConfig{}, app.cfg.Backends...)
	newCfg.Backends = append(newCfg.Backends, config.BackendConfig{
		ID:       "b2",
		Kind:     "openai_compatible",
		Provider: "flexcon",
		BaseURL:  srv2.URL + "/v1",
		Model:    "test-model",
		Enabled:  true,
	})

	app.applyReload(app.cfg, &newCfg)

	snap := app.router.Snapshot()
	require.Len(t, snap, 2)

	app.adaptersMu.RLock()
	_, ok := app.adapters["b2"]
	app.adaptersMu.RUnlock()
	require.True(t, ok)
}
