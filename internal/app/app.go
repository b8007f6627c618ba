// Package app wires the volbet stores, caches, oracle, transferer and
// settlement core together and runs the goroutines of the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/volbet/internal/config"
)

// App owns the configuration, the logger and the cleanup functions that
// are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies, restores the settlement core and blocks in
// the selected mode until ctx is cancelled or a goroutine fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	base := a.logger.With(slog.String("mode", a.cfg.Mode))
	deps, cleanup, err := Wire(ctx, a.cfg, base)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	core, closeCore, err := BuildCore(ctx, a.cfg, deps, base)
	if err != nil {
		return fmt.Errorf("app: build core: %w", err)
	}
	a.closers = append(a.closers, closeCore)

	switch strings.ToLower(a.cfg.Mode) {
	case "settle":
		return a.SettleMode(ctx, deps, core)
	case "serve":
		return a.ServeMode(ctx, deps, core)
	case "full":
		return a.FullMode(ctx, deps, core)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe
// to call more than once.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
