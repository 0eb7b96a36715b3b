package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexushq/nexus/pkg/batch"
	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/transfer"
)

type batchSubmitRequest struct {
	Command        string   `json:"command"`
	ConnectionIDs  []string `json:"connectionIds"`
	Concurrency    int      `json:"concurrencyLimit"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Env            []string `json:"env"`
	WorkDir        string   `json:"workdir"`
	Sudo           bool     `json:"sudo"`
	LoginShell     bool     `json:"loginShell"`
}

func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	var req batchSubmitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	sess := sessionFrom(r.Context())
	task, err := s.batch.Submit(r.Context(), sess.UserID, batch.SubmitRequest{
		Command:        req.Command,
		ConnectionIDs:  req.ConnectionIDs,
		Concurrency:    req.Concurrency,
		TimeoutSeconds: req.TimeoutSeconds,
		Env:            req.Env,
		WorkDir:        req.WorkDir,
		Sudo:           req.Sudo,
		LoginShell:     req.LoginShell,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"taskId": task.ID, "task": task})
}

func (s *Server) handleBatchList(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	tasks, err := s.batch.List(r.Context(), sess.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	task, err := s.batch.Get(r.Context(), sess.UserID, chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	// The body is optional; the reason, when given, only lands in the log.
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, r, errdefs.E(errdefs.KindValidationError, "malformed request body"))
		return
	}

	sess := sessionFrom(r.Context())
	taskID := chi.URLParam(r, "taskID")
	if err := s.batch.Cancel(r.Context(), sess.UserID, taskID); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Reason != "" {
		s.logger.Info().Str("task_id", taskID).Str("reason", req.Reason).Msg("batch task cancelled")
	}

	task, err := s.batch.Get(r.Context(), sess.UserID, taskID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := s.batch.Delete(r.Context(), sess.UserID, chi.URLParam(r, "taskID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleTransferSubmit(w http.ResponseWriter, r *http.Request) {
	var req transfer.SubmitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	sess := sessionFrom(r.Context())
	task, err := s.transfers.Submit(r.Context(), sess.UserID, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

func (s *Server) handleTransferList(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	tasks, err := s.transfers.List(r.Context(), sess.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTransferGet(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	task, err := s.transfers.Get(r.Context(), sess.UserID, chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleTransferCancel(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	taskID := chi.URLParam(r, "taskID")
	if err := s.transfers.Cancel(r.Context(), sess.UserID, taskID); err != nil {
		s.respondError(w, r, err)
		return
	}

	task, err := s.transfers.Get(r.Context(), sess.UserID, taskID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}
