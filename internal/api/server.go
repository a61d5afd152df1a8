package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/repmbridge/internal/auth"
	"github.com/mattjoyce/repmbridge/internal/dispatch"
	"github.com/mattjoyce/repmbridge/internal/events"
	"github.com/mattjoyce/repmbridge/internal/journal"
	"github.com/mattjoyce/repmbridge/internal/result"
	"github.com/mattjoyce/repmbridge/internal/router"
)

// Dispatcher accepts boundary calls.
type Dispatcher interface {
	Submit(inv dispatch.Invocation, reply result.Reply) (dispatch.Invocation, error)
	Stats() []dispatch.LaneStats
	Policy() router.Policy
}

// CallJournal looks up completed calls.
type CallJournal interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
}

// EngineStatus reports the engine's initialization state.
type EngineStatus interface {
	Ready() <-chan struct{}
	Err() error
}

// EventSource is the read side of the event hub.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// Methods is advertised in the OpenAPI document.
	Methods []string
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	journal    CallJournal
	engine     EngineStatus
	events     EventSource
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. journal and engine may be nil.
func New(config Config, d Dispatcher, j CallJournal, eng EngineStatus, ev EventSource, logger *slog.Logger) *Server {
	if ev == nil {
		ev = events.NewHub(1)
	}
	return &Server{
		config:     config,
		dispatcher: d,
		journal:    j,
		engine:     eng,
		events:     ev,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 30 * time.Second,
		// Sync calls can run long; there is no per-call deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", auth.Enabled(s.config.APIKey, s.config.Tokens))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeCallsRW)).Post("/call/{method}", s.handleCall)
		r.With(s.requireScopes(auth.ScopeCallsRW)).Post("/call/{method}/{handle}", s.handleCallBytes)
		r.With(s.requireScopes(auth.ScopeCallsRO)).Get("/calls/{callID}", s.handleGetCall)
		r.With(s.requireScopes(auth.ScopeCallsRO)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
