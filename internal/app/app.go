// Package app wires configuration into the running components.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adamavenir/codeindex/internal/config"
	"github.com/adamavenir/codeindex/internal/indexer"
	"github.com/adamavenir/codeindex/internal/logging"
	"github.com/adamavenir/codeindex/internal/mcp"
	"github.com/adamavenir/codeindex/internal/remote"
	"github.com/adamavenir/codeindex/internal/search"
	"github.com/adamavenir/codeindex/internal/state"
)

// Options adjusts wiring for the entry point.
type Options struct {
	Service string
	// Stderr receives console logs; nil means os.Stderr.
	Stderr io.Writer
	// OneShot turns off the watcher and the sync timer for commands that
	// exit after a single operation.
	OneShot bool
}

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Store    *state.Store
	Client   *remote.Client
	Indexer  *indexer.Indexer
	Searcher *search.Searcher
}

// New validates cfg and builds every component.
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Service: opts.Service,
		Stderr:  opts.Stderr,
	})
	if err != nil {
		return nil, err
	}

	client, err := remote.NewClient(cfg.BaseURL, cfg.AuthToken, remote.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := state.NewStore(cfg.DataDir)
	icfg := cfg.Indexer()
	if opts.OneShot {
		icfg.DisableWatch = true
		icfg.SyncInterval = 0
	}
	ix, err := indexer.New(indexer.Options{
		Peer:    client,
		Store:   store,
		Config:  icfg,
		Logger:  logger.Logger,
		Metrics: indexer.NewMetrics(registry),
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	logger.Debug("components ready", "data_dir", cfg.DataDir, "base_url", client.BaseURL(),
		"token_present", cfg.AuthToken != "")
	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Store:    store,
		Client:   client,
		Indexer:  ix,
		Searcher: search.New(client, store, ix, logger.Logger),
	}, nil
}

// Tools returns the handlers for the MCP tool surface.
func (a *App) Tools() *mcp.ToolContext {
	return &mcp.ToolContext{Indexer: a.Indexer, Searcher: a.Searcher}
}

// MetricsHandler serves the app registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// ServeMetrics serves /metrics on addr until ctx ends.
func (a *App) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	a.Logger.Info("metrics listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close stops background syncs and closes the log file.
func (a *App) Close() error {
	return errors.Join(a.Indexer.Close(), a.Logger.Close())
}
