package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/doncat99/alwrity/internal/blog"
	"github.com/doncat99/alwrity/internal/tasks"
)

type startTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// handleStart admits a blog operation as a background task and returns its
// id immediately. The caller follows up with status polls.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	// Reject unknown operations before the limiter sees them, so arbitrary
	// path segments cannot grow the per-feature bucket map.
	if !isBlogOperation(op) {
		respondError(w, http.StatusNotFound, "unknown blog operation: "+op)
		return
	}
	feature := "blog/" + op

	if s.limiter != nil && !s.limiter.Allow(feature) {
		s.countRejection("rate_limited")
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded for "+feature)
		return
	}

	work, err := s.workFor(op, r)
	if err != nil {
		if errors.Is(err, errUnknownOperation) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.countRejection("invalid_request")
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.manager.Start(feature, work)
	if err != nil {
		if errors.Is(err, tasks.ErrTooBusy) {
			s.countRejection("busy")
			respondError(w, http.StatusTooManyRequests, "server is at capacity, retry later")
			return
		}
		s.log.Error("start task", zap.String("feature", feature), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to start task")
		return
	}

	respondJSON(w, http.StatusOK, startTaskResponse{TaskID: id, Status: "started"})
}

var errUnknownOperation = errors.New("unknown blog operation")

func isBlogOperation(op string) bool {
	switch op {
	case "research", "outline", "sections", "seo", "publish":
		return true
	default:
		return false
	}
}

func (s *Server) workFor(op string, r *http.Request) (tasks.WorkFunc, error) {
	switch op {
	case "research":
		var req blog.ResearchRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return s.pipeline.ResearchWork(req), nil
	case "outline":
		var req blog.OutlineRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return s.pipeline.OutlineWork(req), nil
	case "sections":
		var req blog.SectionsRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return s.pipeline.SectionsWork(req), nil
	case "seo":
		var req blog.SEORequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return s.pipeline.SEOWork(req), nil
	case "publish":
		var req blog.PublishRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return s.pipeline.PublishWork(req), nil
	default:
		return nil, errUnknownOperation
	}
}

// handleStatus returns the current snapshot of a task. Reading status never
// mutates the task; polling any number of times observes the same record
// until new progress lands.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.store.Get(id)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PollRequests.WithLabelValues("not_found").Inc()
		}
		respondError(w, http.StatusNotFound, "task not found: "+id)
		return
	}
	if s.metrics != nil {
		s.metrics.PollRequests.WithLabelValues(string(snap.Status)).Inc()
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.manager.Cancel(id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelling"})
	case errors.Is(err, tasks.ErrNotFound):
		respondError(w, http.StatusNotFound, "task not found: "+id)
	case errors.Is(err, tasks.ErrAlreadyTerminal):
		respondError(w, http.StatusConflict, "task already finished: "+id)
	default:
		s.log.Error("cancel task", zap.String("task_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to cancel task")
	}
}

func (s *Server) handleRecentTasks(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusNotImplemented, "task archive is not configured")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			respondError(w, http.StatusBadRequest, "limit must be an integer between 1 and 200")
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	recent, err := s.archive.ListRecent(ctx, limit)
	if err != nil {
		s.log.Error("list recent tasks", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list recent tasks")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": recent, "count": len(recent)})
}

func (s *Server) countRejection(reason string) {
	if s.metrics != nil {
		s.metrics.StartRejections.WithLabelValues(reason).Inc()
	}
}
