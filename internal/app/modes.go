package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/volbet/internal/blob/s3"
	"github.com/alanyoungcy/volbet/internal/eventlog"
	"github.com/alanyoungcy/volbet/internal/server"
	"github.com/alanyoungcy/volbet/internal/server/handler"
	"github.com/alanyoungcy/volbet/internal/server/ws"
	"github.com/alanyoungcy/volbet/internal/settlement"
)

// SettleMode runs the settlement driver, the event relay and the archive
// job. Nothing is served over HTTP.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "starting settle mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startDriver(ctx, g, deps, core)
	a.startRelay(ctx, g, deps, core)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// ServeMode runs only the API. Rounds advance when an operator or an
// external scheduler calls POST /api/settle.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies, core *Core) error {
	if !a.cfg.Server.Enabled {
		return errors.New("serve mode: server.enabled is false")
	}
	a.logger.InfoContext(ctx, "starting serve mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps, core)
	a.startHTTPServer(ctx, g, deps, core)

	return g.Wait()
}

// FullMode runs the driver, the relay, the archive job and the API in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startDriver(ctx, g, deps, core)
	a.startRelay(ctx, g, deps, core)
	a.startArchiver(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, core)
	}

	return g.Wait()
}

// quiet turns a shutdown-induced error into a clean exit.
func quiet(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (a *App) startDriver(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	driver := settlement.NewDriver(settlement.DriverConfig{
		Interval:   a.cfg.Driver.Interval.Duration,
		AlertAfter: a.cfg.Driver.AlertAfter,
	}, core.Engine, deps.Notifier, a.logger)
	g.Go(func() error {
		return quiet(ctx, "settlement driver", driver.Run(ctx))
	})
}

// startRelay copies the in-process event log to the Redis bus so other
// replicas and the WebSocket hubs see every event.
func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	if deps.SignalBus == nil {
		return
	}
	relay := eventlog.NewRelay(core.Events, deps.SignalBus, a.logger)
	g.Go(func() error {
		return quiet(ctx, "event relay", relay.Run(ctx))
	})
}

// startArchiver exports settled rounds older than s3.archive_after, once
// on start and then every s3.archive_interval.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	interval := a.cfg.S3.ArchiveInterval.Duration
	retain := a.cfg.S3.ArchiveAfter.Duration

	g.Go(func() error {
		runOnce := func() {
			cutoff := time.Now().UTC().Add(-retain)
			report, err := deps.Archiver.ArchiveRounds(ctx, cutoff)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
				}
				return
			}
			a.logger.InfoContext(ctx, "archive run complete",
				slog.Int64("rounds", report.Rounds),
				slog.Int("days", len(report.Days)),
				slog.Int("existing_days", report.Existing),
				slog.Time("cutoff", cutoff),
			)
		}

		runOnce()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				runOnce()
			}
		}
	})
	a.logger.InfoContext(ctx, "archive job scheduled",
		slog.Duration("interval", interval),
		slog.Duration("archive_after", retain),
	)
}

// startHTTPServer adds the API server, its WebSocket hub and a graceful
// shutdown goroutine to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	// Events come from the bus when one is wired so every replica's hub
	// sees the same stream; otherwise straight from the local log.
	var (
		source ws.Source              = core.Events
		replay handler.EventReplayer = core.Events
	)
	if deps.SignalBus != nil {
		source = deps.SignalBus
		replay = eventlog.NewStreamReplay(deps.SignalBus)
	}
	hub := ws.NewHub(source, ws.Config{
		Mode:      a.cfg.Mode,
		Channel:   eventlog.Channel,
		StartedAt: time.Now().UTC(),
	}, a.logger)
	g.Go(func() error {
		return quiet(ctx, "ws hub", hub.Run(ctx))
	})

	engine := core.Engine
	h := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Rounds: handler.NewRoundHandler(engine, a.logger),
		Bets:   handler.NewBetHandler(engine, a.cfg.Server.RequireSignature, a.logger),
		Price:  handler.NewPriceHandler(engine, a.logger),
		Settle: handler.NewSettleHandler(engine, a.logger),
		Admin:  handler.NewAdminHandler(engine, deps.BlobReader, s3blob.RoundPrefix, a.logger),
		Events: handler.NewEventsHandler(replay, a.logger),
	}
	if a.cfg.Server.APIKey == "" {
		a.logger.WarnContext(ctx, "server.api_key is empty, settle and admin endpoints are disabled")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, h, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
