// Package server provides the HTTP API for Probatio.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/pipeline"
	"github.com/probatio/probatio/internal/queue"
)

// Store is the read surface the API serves from.
type Store interface {
	GetRun(ctx context.Context, id string) (*model.AnalysisRun, error)
	ListClaims(ctx context.Context, runID string) ([]model.Claim, error)
	ListDecisions(ctx context.Context, runID string) ([]model.Decision, error)
	ListSignals(ctx context.Context, limit int) ([]model.Signal, error)
}

// Runner starts analysis runs.
type Runner interface {
	StartRun(ctx context.Context, req pipeline.StartRequest) (*model.AnalysisRun, error)
}

// QueueInfo exposes queue observability.
type QueueInfo interface {
	Queues() []string
	Metrics(ctx context.Context, queueName string) (queue.Metrics, error)
}

// Server is the HTTP server for the Probatio API.
type Server struct {
	store  Store
	runner Runner
	queues QueueInfo
	config model.ServerConfig
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(store Store, runner Runner, queues QueueInfo, cfg model.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:  store,
		runner: runner,
		queues: queues,
		config: cfg,
		logger: logger,
	}
}

// Router builds the chi router. Exposed separately so tests can serve
// it without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/api/v1/runs", s.handleCreateRun)
	r.Get("/api/v1/runs/{id}", s.handleGetRun)
	r.Get("/api/v1/runs/{id}/claims", s.handleListClaims)
	r.Get("/api/v1/runs/{id}/decisions", s.handleListDecisions)
	r.Get("/api/v1/signals", s.handleListSignals)
	r.Get("/api/v1/queues", s.handleQueueMetrics)
	r.Get("/health", s.handleHealth)

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

// respondError maps classified errors to their HTTP status and a
// structured body; anything unclassified becomes a bare 500.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var e *model.Error
	if errors.As(err, &e) {
		s.respondJSON(w, e.HTTPStatus(), map[string]errorBody{"error": {
			Code:          e.Code,
			Message:       e.Message,
			CorrelationID: e.CorrelationID,
		}})
		return
	}
	s.logger.Error("unclassified handler error", zap.Error(err))
	s.respondJSON(w, http.StatusInternalServerError, map[string]errorBody{"error": {
		Code:    "internal",
		Message: "internal error",
	}})
}
