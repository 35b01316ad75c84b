// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "stdio_jsonrpc", cfg.Server.Mode)
	assert.Equal(t, 600, cfg.Cache.TTLSeconds)
	assert.Equal(t, 10_000, cfg.Cache.MaxEntries)
	assert.Equal(t, 64, cfg.Router.MaxConcurrent)
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.False(t, cfg.RAG.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "stdio_jsonrpc", cfg.Server.Mode)
	assert.Equal(t, "round_robin", cfg.RAG.Strategy)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
backends:
  - id: b1
    kind: openai_compatible
    base_url: https://api.openai.com/v1
    auth_ref: env:OPENAI_API_KEY
    model: gpt-4o-mini
    cost_in: 0.000005
    cost_out: 0.000015
    priority: 0
    enabled: true

cache:
  ttl_seconds: 120
  max_entries: 500

router:
  max_concurrent: 8
  weights:
    cost: 0.5
    latency: 0.5

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "b1", cfg.Backends[0].ID)
	assert.Equal(t, "openai_compatible", cfg.Backends[0].Kind)
	assert.Equal(t, 120, cfg.Cache.TTLSeconds)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, 8, cfg.Router.MaxConcurrent)
	assert.InDelta(t, 0.5, cfg.Router.Weights.Cost, 0.001)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"CLAUDETTE_CACHE_TTL_SECONDS":        "42",
		"CLAUDETTE_ROUTER_MAX_CONCURRENT":    "7",
		"CLAUDETTE_HEALTH_FAILURE_THRESHOLD": "5",
		"CLAUDETTE_LOG_LEVEL":                "warn",
	}
	for k, v := range envVars {
		os.Setenv(k, v)
	}
	defer func() {
		for k := range envVars {
			os.Unsetenv(k)
		}
	}()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Cache.TTLSeconds)
	assert.Equal(t, 7, cfg.Router.MaxConcurrent)
	assert.Equal(t, 5, cfg.Health.FailureThreshold)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
cache:
  ttl_seconds: 120
log:
  level: "info"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	os.Setenv("CLAUDETTE_CACHE_TTL_SECONDS", "999")
	os.Setenv("CLAUDETTE_LOG_LEVEL", "error")
	defer func() {
		os.Unsetenv("CLAUDETTE_CACHE_TTL_SECONDS")
		os.Unsetenv("CLAUDETTE_LOG_LEVEL")
	}()

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 999, cfg.Cache.TTLSeconds)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	os.Setenv("MYAPP_CACHE_TTL_SECONDS", "13")
	os.Setenv("MYAPP_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("MYAPP_CACHE_TTL_SECONDS")
		os.Unsetenv("MYAPP_LOG_LEVEL")
	}()

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 13, cfg.Cache.TTLSeconds)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Router.MaxConcurrent < 1 {
			return assert.AnError
		}
		return nil
	}

	os.Setenv("CLAUDETTE_ROUTER_MAX_CONCURRENT", "0")
	defer os.Unsetenv("CLAUDETTE_ROUTER_MAX_CONCURRENT")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "stdio_jsonrpc", cfg.Server.Mode)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
cache:
  ttl_seconds: [invalid
  this is not valid yaml
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	_, err = NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

func TestLoader_RejectsUnknownKeys(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("not_a_real_field: true\n"), 0644)
	require.NoError(t, err)

	_, err = NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func validBackend() BackendConfig {
	return BackendConfig{
		ID:       "b1",
		Kind:     "openai_compatible",
		BaseURL:  "https://api.openai.com/v1",
		Enabled:  true,
		Priority: 0,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name: "valid config with one backend",
			modify: func(c *Config) {
				c.Backends = []BackendConfig{validBackend()}
			},
			wantErr: false,
		},
		{
			name:    "no backends configured",
			modify:  func(c *Config) {},
			wantErr: true,
		},
		{
			name: "duplicate backend id",
			modify: func(c *Config) {
				c.Backends = []BackendConfig{validBackend(), validBackend()}
			},
			wantErr: true,
		},
		{
			name: "unsupported backend kind",
			modify: func(c *Config) {
				b := validBackend()
				b.Kind = "anthropic_native"
				c.Backends = []BackendConfig{b}
			},
			wantErr: true,
		},
		{
			name: "invalid max_concurrent",
			modify: func(c *Config) {
				c.Backends = []BackendConfig{validBackend()}
				c.Router.MaxConcurrent = 0
			},
			wantErr: true,
		},
		{
			name: "unsupported server mode",
			modify: func(c *Config) {
				c.Backends = []BackendConfig{validBackend()}
				c.Server.Mode = "http"
			},
			wantErr: true,
		},
		{
			name: "rag enabled with no workers",
			modify: func(c *Config) {
				c.Backends = []BackendConfig{validBackend()}
				c.RAG.Enabled = true
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
cache:
  ttl_seconds: 60
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, 60, cfg.Cache.TTLSeconds)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0644)
	require.NoError(t, err)

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	os.Setenv("CLAUDETTE_LOG_LEVEL", "debug")
	defer os.Unsetenv("CLAUDETTE_LOG_LEVEL")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}
