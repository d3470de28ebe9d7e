package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/metrics"
	"stitchlab-agent/internal/infra/middleware"
	"stitchlab-agent/internal/usecase"
)

// Invoker runs one agent turn.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, sink domain.EventSink) (*domain.InvocationResult, error)
}

// AgentSource produces a fresh agent for one (actor, session).
type AgentSource func(ctx context.Context, actorID, sessionID string) (Invoker, error)

// FromFactory adapts an AgentFactory to an AgentSource.
func FromFactory(f *usecase.AgentFactory) AgentSource {
	return func(ctx context.Context, actorID, sessionID string) (Invoker, error) {
		agent, err := f.CreateAgent(ctx, actorID, sessionID)
		if err != nil {
			return nil, err
		}
		return agent, nil
	}
}

// Config holds HTTP shell settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	RateLimit       *middleware.RateLimitConfig // nil disables rate limiting
	CORSOrigins     []string                    // nil disables CORS
	MetricsPath     string                      // empty disables the endpoint
}

// Server is the HTTP shell in front of the agent factory.
type Server struct {
	cfg     Config
	agents  AgentSource
	metrics *metrics.Collector
	logger  *slog.Logger
	newID   func() string

	httpSrv   *http.Server
	boundAddr atomic.Value // string
}

// NewServer creates a gateway server.
func NewServer(cfg Config, agents AgentSource, m *metrics.Collector, logger *slog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return &Server{
		cfg:     cfg,
		agents:  agents,
		metrics: m,
		logger:  logger,
		newID:   newSessionID,
	}
}

// Handler builds the router. ctx bounds background work owned by middleware.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Instrument(s.metrics))
	if s.cfg.CORSOrigins != nil {
		r.Use(middleware.CORS(s.cfg.CORSOrigins))
	}

	r.Get("/ping", s.handlePing)
	if s.cfg.MetricsPath != "" && s.metrics != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit != nil {
			r.Use(middleware.RateLimit(ctx, *s.cfg.RateLimit))
		}
		if s.cfg.MaxBodyBytes > 0 {
			r.Use(middleware.MaxBody(s.cfg.MaxBodyBytes))
		}
		r.Post("/invocations", s.handleInvocation)
	})
	return r
}

// Start listens and serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.boundAddr.Store(listener.Addr().String())
	s.logger.Info("gateway started", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}
