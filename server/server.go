// Package server exposes the public HTTP surface of the drop: progress,
// payment intents, status polling, and operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mintgate/observability"
	"mintgate/reserve"
	"mintgate/rpcpool"
	"mintgate/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	CORSOrigins   []string
	RateLimit     RateLimit
}

// RateLimit throttles the public endpoints per client.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// Server hosts the public drop API.
type Server struct {
	cfg     Config
	engine  *reserve.Engine
	store   *storage.Store
	pool    *rpcpool.Pool
	logger  *slog.Logger
	metrics *observability.APIMetrics
	limiter *RateLimiter
	router  http.Handler
	clock   func() time.Time
}

// New constructs the API server. The pool is optional and only enriches the
// health payload.
func New(cfg Config, engine *reserve.Engine, store *storage.Store, pool *rpcpool.Pool, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8277"
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		pool:    pool,
		logger:  logger,
		metrics: observability.API(),
		clock:   time.Now,
	}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		srv.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *Server) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware(s.cfg.CORSOrigins))
	r.Use(withRequestID)

	r.Group(func(gr chi.Router) {
		if s.limiter != nil {
			gr.Use(s.limiter.Middleware)
		}
		gr.Method(http.MethodGet, "/mint-progress", s.instrument("mint_progress", s.handleMintProgress))
		gr.Method(http.MethodPost, "/create-payment-intent", s.instrument("create_payment_intent", s.handleCreateIntent))
		gr.Method(http.MethodGet, "/check-payment-status/{sessionID}", s.instrument("check_payment_status", s.handleCheckStatus))
	})

	// Monitoring endpoints bypass the client rate limit.
	r.Method(http.MethodGet, "/health", s.instrument("health", s.handleHealth))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return otelhttp.NewHandler(withMetrics(route, s.metrics, h), "api."+route)
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
