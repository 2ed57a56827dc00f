package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/vulnforge/vulnforge/internal/config"
	domain "github.com/vulnforge/vulnforge/internal/domain/etl"
	"github.com/vulnforge/vulnforge/internal/etl"
	"github.com/vulnforge/vulnforge/pkg/common/logger"
	"github.com/vulnforge/vulnforge/pkg/common/otel"
)

const (
	defaultCheckpointLimit = 20
	maxCheckpointLimit     = 100
)

// Server exposes the engine's control surface over HTTP. Every response uses
// the envelope shape; clients poll the query endpoints for state, nothing is
// pushed.
type Server struct {
	cfg    config.ServerConfig
	logger *logger.Logger
	router *chi.Mux
	engine *etl.Engine
	tracer trace.Tracer
}

// NewServer wires the router around an engine.
func NewServer(cfg config.ServerConfig, log *logger.Logger, tracer trace.Tracer, engine *etl.Engine) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		logger: log,
		router: r,
		engine: engine,
		tracer: tracer,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Get("/tree", s.handleTree)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.handleListProviders)

			r.Route("/bulk", func(r chi.Router) {
				r.Post("/start", s.handleBatch(s.engine.StartBatch))
				r.Post("/pause", s.handleBatch(s.engine.PauseBatch))
				r.Post("/resume", s.handleBatch(s.engine.ResumeBatch))
				r.Post("/stop", s.handleBatch(s.engine.StopBatch))
			})

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/state", s.handleProviderState)
				r.Get("/checkpoints", s.handleProviderCheckpoints)

				r.Post("/start", s.handleControl(s.engine.StartProvider))
				r.Post("/pause", s.handleControl(s.engine.PauseProvider))
				r.Post("/resume", s.handleControl(s.engine.ResumeProvider))
				r.Post("/stop", s.handleControl(s.engine.StopProvider))
			})
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReadiness reports ready once the engine has bootstrapped its registry.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.engine.MacroSnapshot().Status == domain.MacroStatusBootstrapping {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleControl adapts one single-provider engine operation into a handler.
func (s *Server) handleControl(
	op func(ctx context.Context, id string) (domain.Snapshot, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, snap)
	}
}

// handleBatch adapts one batch engine operation into a handler. The body is an
// optional JSON object whose ids field narrows the target set; an absent body
// targets every registered provider.
func (s *Server) handleBatch(
	op func(ctx context.Context, ids []string) (etl.BatchResult, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeBadRequest(w, "invalid request body")
			return
		}

		res, err := op(r.Context(), req.IDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, res)
	}
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	snaps := s.engine.ProviderSnapshots()
	writeOK(w, struct {
		Providers []domain.Snapshot `json:"providers"`
		Count     int               `json:"count"`
	}{Providers: snaps, Count: len(snaps)})
}

func (s *Server) handleProviderState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.ProviderSnapshot(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, snap)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.engine.TreeSnapshot())
}

func (s *Server) handleProviderCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit := defaultCheckpointLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxCheckpointLimit)
	}

	successOnly := false
	if raw := r.URL.Query().Get("success_only"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeBadRequest(w, "success_only must be a boolean")
			return
		}
		successOnly = parsed
	}

	cps, err := s.engine.Checkpoints(r.Context(), chi.URLParam(r, "id"), limit, successOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, struct {
		Checkpoints []*domain.Checkpoint `json:"checkpoints"`
	}{Checkpoints: cps})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until the context is cancelled, then shuts it
// down within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.APIHost,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout.Std(),
		WriteTimeout: s.cfg.WriteTimeout.Std(),
		IdleTimeout:  s.cfg.IdleTimeout.Std(),
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout := s.cfg.ShutdownTimeout.Std()
		if shutdownTimeout <= 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
