// Package api serves the runner and pipeline HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyvo/ci/backend/pkg/buildstate"
	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/pipelinedef"
	"github.com/vyvo/ci/backend/pkg/processing"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/store"
	"github.com/vyvo/ci/backend/pkg/trace"
)

// Services are the handlers' dependencies.
type Services struct {
	Repo        store.Repository
	Requests    *queue.JobRequestService
	BuildStates *buildstate.Service
	Traces      *trace.Service
	Cancel      *processing.CancelService
	Unschedule  *processing.UnscheduleService
	Play        *processing.PlayService
	// SubmitPipeline stores a parsed pipeline, drops builds no runner can take and starts processing.
	SubmitPipeline func(ctx context.Context, p *ci.Pipeline, def *pipelinedef.Definition) (*ci.Pipeline, error)
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Ping reports storage health for /healthz.
	Ping func(ctx context.Context) error
}

// Server routes HTTP requests to the services.
type Server struct {
	svc     Services
	timeout time.Duration
}

func NewServer(svc Services, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Server{svc: svc, timeout: timeout}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logger.Middleware)
	router.Use(logger.AccessLog)
	router.Use(middleware.Recoverer)
	router.Use(timeoutMiddleware(s.timeout))

	router.Get("/healthz", s.handleHealthz)
	if s.svc.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.svc.Gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}

	router.Route("/api/v4", func(r chi.Router) {
		r.Post("/runners", s.handleRegisterRunner)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/request", s.handleJobRequest)
			r.Put("/{id}", s.handleUpdateJob)
			r.Patch("/{id}/trace", s.handleAppendTrace)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Post("/{id}/unschedule", s.handleUnschedule)
			r.Post("/{id}/play", s.handlePlay)
		})

		r.Post("/pipelines", s.handleCreatePipeline)
		r.Get("/pipelines/{id}", s.handleGetPipeline)
		r.Get("/queue", s.handleListQueue)
	})
	return router
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ping != nil {
		if err := s.svc.Ping(r.Context()); err != nil {
			logger.FromContext(r.Context()).Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}

// writeInternal logs err and hides it from the client.
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}
