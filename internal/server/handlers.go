package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/pipeline"
	"github.com/probatio/probatio/internal/queue"
)

type createRunRequest struct {
	Question   string   `json:"question"`
	Mode       string   `json:"mode,omitempty"`
	Providers  []string `json:"providers,omitempty"`
	MaxSources int      `json:"max_sources,omitempty"`
}

type createRunResponse struct {
	RunID         string `json:"run_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, model.NewError(model.ErrValidation, model.CodeInvalidPayload,
			"invalid request body", err))
		return
	}

	run, err := s.runner.StartRun(r.Context(), pipeline.StartRequest{
		Question:       req.Question,
		Mode:           model.RunMode(req.Mode),
		Providers:      req.Providers,
		MaxSources:     req.MaxSources,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("correlation_id", run.CorrelationID))
	s.respondJSON(w, http.StatusAccepted, createRunResponse{
		RunID:         run.ID,
		CorrelationID: run.CorrelationID,
		Status:        string(run.Status),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// 404 for unknown runs rather than an empty list.
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	claims, err := s.store.ListClaims(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if claims == nil {
		claims = []model.Claim{}
	}
	s.respondJSON(w, http.StatusOK, map[string][]model.Claim{"claims": claims})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	decisions, err := s.store.ListDecisions(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if decisions == nil {
		decisions = []model.Decision{}
	}
	s.respondJSON(w, http.StatusOK, map[string][]model.Decision{"decisions": decisions})
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	signals, err := s.store.ListSignals(r.Context(), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if signals == nil {
		signals = []model.Signal{}
	}
	s.respondJSON(w, http.StatusOK, map[string][]model.Signal{"signals": signals})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	var out []queue.Metrics
	for _, name := range s.queues.Queues() {
		m, err := s.queues.Metrics(r.Context(), name)
		if err != nil {
			s.respondError(w, err)
			return
		}
		out = append(out, m)
	}
	if out == nil {
		out = []queue.Metrics{}
	}
	s.respondJSON(w, http.StatusOK, map[string][]queue.Metrics{"queues": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
