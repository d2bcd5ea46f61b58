package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"fetchdeck/internal/lifecycle"
	"fetchdeck/internal/maintenance"
	"fetchdeck/internal/models"
	"fetchdeck/internal/ratelimit"
	"fetchdeck/internal/status"
	"fetchdeck/internal/telemetry"
)

// Server wires HTTP handlers for job creation, worker callbacks, the read
// model, quota queries, and the maintenance trigger endpoints.
type Server struct {
	manager *lifecycle.Manager
	reader  *status.Reader
	watcher *status.Watcher
	limiter *ratelimit.Limiter
	sweeper *maintenance.Sweeper
	log     *zap.Logger
}

func New(manager *lifecycle.Manager, reader *status.Reader, watcher *status.Watcher, limiter *ratelimit.Limiter, sweeper *maintenance.Sweeper, log *zap.Logger) *Server {
	return &Server{
		manager: manager,
		reader:  reader,
		watcher: watcher,
		limiter: limiter,
		sweeper: sweeper,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleDeleteJob)
	r.Post("/jobs/{id}/start", s.handleStart)
	r.Post("/jobs/{id}/upload", s.handleUpload)
	r.Post("/jobs/{id}/complete", s.handleComplete)
	r.Get("/jobs/{id}/watch", s.handleWatch)

	r.Get("/users/{userID}/jobs", s.handleUserJobs)
	r.Get("/users/{userID}/jobs/active", s.handleActiveJobs)
	r.Get("/users/{userID}/stats", s.handleUserStats)
	r.Get("/users/{userID}/quota/{action}", s.handleQuota)

	r.Post("/maintenance/expired", s.handleSweepExpired)
	r.Post("/maintenance/daily", s.handleResetDaily)
	r.Post("/maintenance/monthly", s.handleResetMonthly)

	return r
}

type createJobRequest struct {
	UserID  string         `json:"user_id"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "user_id and action are required")
		return
	}

	job, err := s.manager.Create(r.Context(), req.UserID, req.Action, req.Payload)
	var quotaErr *models.QuotaError
	if errors.As(err, &quotaErr) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "quota_exceeded",
			"action":    quotaErr.Action,
			"remaining": quotaErr.Remaining,
			"reset_at":  quotaErr.ResetAt.UTC().Format(time.RFC3339),
		})
		return
	}
	if err != nil {
		s.log.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.reader.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStart always answers 202: a start callback for an unknown job is
// logged and swallowed so the worker pipeline never fails on it.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.BeginProcessing(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.BeginUpload(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type completeRequest struct {
	Status     string            `json:"status"`
	ResultRef  string            `json:"result_ref"`
	Error      string            `json:"error"`
	FinishedAt *models.Timestamp `json:"finished_at"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var finishedAt *time.Time
	if req.FinishedAt != nil {
		finishedAt = &req.FinishedAt.Time
	}
	job, err := s.manager.Complete(r.Context(), chi.URLParam(r, "id"), req.Status, req.ResultRef, req.Error, finishedAt)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleWatch streams job snapshots as server-sent events until the job
// reaches a terminal state or is deleted.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	updates, err := s.watcher.Watch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("watch subscribe failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "watch failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for update := range updates {
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if err := enc.Encode(update); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleUserJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ascending := r.URL.Query().Get("order") == "asc"
	jobs, err := s.reader.GetUserJobs(r.Context(), chi.URLParam(r, "userID"), limit, ascending)
	if err != nil {
		s.log.Error("list user jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.reader.GetActiveJobs(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.log.Error("list active jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reader.GetUserStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.log.Error("user stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	decision, err := s.limiter.Check(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "action"))
	if err != nil {
		s.log.Error("quota check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleSweepExpired(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.SweepExpired(r.Context())
	if err != nil {
		s.log.Error("expired sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleResetDaily(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.ResetDaily(r.Context())
	if err != nil {
		s.log.Error("daily reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleResetMonthly(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.ResetMonthly(r.Context())
	if err != nil {
		s.log.Error("monthly reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid status transition")
	default:
		s.log.Error("job operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
