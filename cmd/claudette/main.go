// Command claudette runs the request-routing and reliability kernel behind
// a JSON-RPC 2.0 stdio surface. Usage:
//
//	claudette [config.yaml]
//
// With no argument, configuration comes from built-in defaults overlaid by
// CLAUDETTE_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RobLe3/claudette/config"
	"github.com/RobLe3/claudette/internal/lifecycle"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 clean, 1 fatal
// startup, 2 unrecoverable runtime error.
func run() int {
	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	preview, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "claudette: failed to read configuration: %v\n", err)
		return 1
	}

	logger, err := buildLogger(preview.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "claudette: failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush on exit

	app, err := lifecycle.New(configPath, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}

	logger.Info("claudette starting",
		zap.Int("backends", len(app.Config().Backends)),
		zap.Bool("rag_enabled", app.Config().RAG.Enabled),
		zap.String("server_mode", app.Config().Server.Mode),
	)

	if err := app.Run(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Error("runtime error", zap.Error(err))
		return 2
	}

	logger.Info("claudette stopped cleanly")
	return 0
}

// buildLogger constructs the shared *zap.Logger every component threads
// through its constructor, honoring config/loader.go's
// LogConfig (level, json-vs-console encoding, caller reporting).
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
	}

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    !cfg.EnableCaller,
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zc.Build()
}
