// Package app wires the engine together for one pipeline run: document
// loading, rule evaluation, graph construction, the scheduler, the cache
// store, and the optional run API server.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/ctxlog"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	cfg      *Config
	pipeline *config.Pipeline
	promReg  *prometheus.Registry
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App with its own isolated logger. A document that fails to
// load is a critical startup error and panics; the CLI entrypoint recovers
// and reports it.
func NewApp(outW io.Writer, cfg *Config) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	pipeline, err := config.Load(ctx, cfg.PipelinePath)
	if err != nil {
		panic(fmt.Errorf("failed to load pipeline document: %w", err))
	}
	logger.Debug("Pipeline document loaded.", "jobs", len(pipeline.Jobs))

	return &App{
		outW:     outW,
		logger:   logger,
		cfg:      cfg,
		pipeline: pipeline,
		promReg:  prometheus.NewRegistry(),
	}
}

// Pipeline returns the loaded pipeline model. This is primarily for testing.
func (a *App) Pipeline() *config.Pipeline {
	return a.pipeline
}
