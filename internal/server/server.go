// Package server exposes the round engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
	"github.com/alanyoungcy/volbet/internal/server/handler"
	"github.com/alanyoungcy/volbet/internal/server/middleware"
	"github.com/alanyoungcy/volbet/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards /api/settle and /api/admin/*; empty disables them.
	APIKey     string
	RateLimit  int // requests per RateWindow per client IP; 0 disables
	RateWindow time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health *handler.HealthHandler
	Rounds *handler.RoundHandler
	Bets   *handler.BetHandler
	Price  *handler.PriceHandler
	Settle *handler.SettleHandler
	Admin  *handler.AdminHandler
	Events *handler.EventsHandler
}

// Server is the HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. hub and limiter may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()
	admin := middleware.Auth(cfg.APIKey)

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/rounds/current", h.Rounds.Current)
	mux.HandleFunc("GET /api/rounds", h.Rounds.List)
	mux.HandleFunc("GET /api/rounds/{id}", h.Rounds.Get)
	mux.HandleFunc("GET /api/rounds/{id}/bets", h.Rounds.Bets)
	mux.HandleFunc("GET /api/price", h.Price.Get)
	mux.HandleFunc("GET /api/events", h.Events.List)

	// Bets are the only write open to the public, so only they are rate
	// limited.
	var bets http.Handler = http.HandlerFunc(h.Bets.Place)
	if limiter != nil && cfg.RateLimit > 0 {
		bets = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(bets)
	}
	mux.Handle("POST /api/bets", bets)

	mux.Handle("POST /api/settle", admin(http.HandlerFunc(h.Settle.Settle)))
	mux.Handle("PUT /api/admin/entry-fee", admin(http.HandlerFunc(h.Admin.SetEntryFee)))
	mux.Handle("PUT /api/admin/pause", admin(http.HandlerFunc(h.Admin.SetPause)))
	mux.Handle("POST /api/admin/payouts/retry", admin(http.HandlerFunc(h.Admin.RetryPayouts)))
	mux.Handle("GET /api/admin/balance", admin(http.HandlerFunc(h.Admin.Balance)))
	mux.Handle("GET /api/admin/audit", admin(http.HandlerFunc(h.Admin.Audit)))
	mux.Handle("GET /api/admin/archives", admin(http.HandlerFunc(h.Admin.ListArchives)))
	mux.Handle("GET /api/admin/archives/{day}", admin(http.HandlerFunc(h.Admin.GetArchive)))

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
