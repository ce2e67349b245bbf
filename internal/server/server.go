// Package server exposes the wager engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/server/handler"
	"github.com/0xrin1/flippening/internal/server/middleware"
	"github.com/0xrin1/flippening/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey, when set, is required on the admin endpoints.
	APIKey          string
	RateLimitPerMin int
}

// Handlers aggregates the endpoint handlers.
type Handlers struct {
	Health      *handler.HealthHandler
	Wagers      *handler.WagerHandler
	Fees        *handler.FeeHandler
	Admin       *handler.AdminHandler
	History     *handler.HistoryHandler
	Commitments handler.CommitmentHandler
	Metrics     http.Handler
}

// Deps are the cross-cutting collaborators of the middleware chain.
type Deps struct {
	Verifier middleware.RequestVerifier
	Limiter  domain.RateLimiter
	Hub      *ws.Hub
}

// Server is the API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain: CORS, logging, identity, rate limit.
func NewServer(cfg Config, h Handlers, deps Deps, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      Routes(cfg, h, deps, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger.With(slog.String("component", "server"))}
}

// Routes builds the full handler tree.
func Routes(cfg Config, h Handlers, deps Deps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	mux.HandleFunc("GET /api/wagers", h.Wagers.List)
	mux.HandleFunc("POST /api/wagers", h.Wagers.Create)
	mux.HandleFunc("GET /api/wagers/{id}", h.Wagers.Get)
	mux.HandleFunc("POST /api/wagers/{id}/guess", h.Wagers.Guess)
	mux.HandleFunc("POST /api/wagers/{id}/settle", h.Wagers.Settle)
	mux.HandleFunc("POST /api/wagers/{id}/expire", h.Wagers.Expire)
	mux.HandleFunc("POST /api/wagers/{id}/cancel", h.Wagers.Cancel)

	mux.HandleFunc("GET /api/fees", h.Fees.ListPending)
	mux.HandleFunc("GET /api/fees/{id}", h.Fees.Get)
	mux.HandleFunc("POST /api/fees/{id}/process", h.Fees.Process)
	mux.HandleFunc("GET /api/liquidity", h.Fees.Liquidity)

	mux.HandleFunc("GET /api/history", h.History.Resolved)
	mux.HandleFunc("GET /api/audit", h.History.Audit)

	mux.HandleFunc("POST /api/commitments", h.Commitments.Commit)

	adminKey := middleware.APIKey(cfg.APIKey)
	mux.Handle("GET /api/admin", adminKey(http.HandlerFunc(h.Admin.Owner)))
	mux.Handle("PUT /api/admin/{setting}", adminKey(http.HandlerFunc(h.Admin.Set)))

	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var out http.Handler = mux
	out = middleware.RateLimit(deps.Limiter, cfg.RateLimitPerMin, time.Minute, logger)(out)
	out = middleware.Identity(deps.Verifier, "/api/commitments")(out)
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
