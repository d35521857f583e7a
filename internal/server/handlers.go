package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"stagegate/internal/engine"
	"stagegate/internal/security"

	"github.com/go-chi/chi/v5"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB
	DefaultRunLimit = 10        // Number of runs to return when no limit is given
	MaxRunLimit     = 100
)

// StartRunRequest is the body of a run submission.
type StartRunRequest struct {
	Version string `json:"version"`
}

// ApproveRequest is the body of an approval decision.
type ApproveRequest struct {
	Stage    string `json:"stage"`
	Approved bool   `json:"approved"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// HandleStartRun accepts an artifact version for promotion through a pipeline
func (s *Server) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	pipelineName := chi.URLParam(r, "pipelineName")

	// Validate pipeline name for security
	if err := security.ValidatePipelineName(pipelineName); err != nil {
		s.Logger.Warn("Invalid pipeline name in run submission", "pipeline", pipelineName, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid pipeline name: %v", err)})
		return
	}

	// Check if pipeline exists
	p, err := s.Registry.Get(pipelineName)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown pipeline"})
		return
	}

	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}

	var req StartRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.Logger.Error("Failed to parse JSON payload", "error", err, "pipeline", pipelineName)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if req.Version == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing artifact version"})
		return
	}

	started, err := s.Engine.StartRun(r.Context(), p, req.Version)
	switch {
	case errors.Is(err, engine.ErrRunActive):
		// The rejection is itself a durably recorded run
		s.respondJSON(w, http.StatusConflict, map[string]string{
			"error":  "A promotion run is already active for this application",
			"run_id": started.ID,
		})
		return
	case err != nil:
		s.Logger.Error("Failed to start run", "error", err, "pipeline", pipelineName)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Failed to start run: %v", err)})
		return
	}

	// Respond immediately; the run executes asynchronously and its
	// progress is observable through the run endpoints.
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message":  "Run accepted",
		"run_id":   started.ID,
		"pipeline": pipelineName,
		"version":  req.Version,
	})
}

// HandleGetRun returns the current state of a run with its stage outcomes
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	record, err := s.Store.GetRun(r.Context(), runID)
	if err != nil {
		s.Logger.Error("Failed to fetch run", "error", err, "run", runID)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch run"})
		return
	}
	if record == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown run"})
		return
	}

	s.respondJSON(w, http.StatusOK, record)
}

// HandleListRuns returns the recent runs of a pipeline, newest first
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	pipelineName := chi.URLParam(r, "pipelineName")

	// Validate pipeline name for security
	if err := security.ValidatePipelineName(pipelineName); err != nil {
		s.Logger.Warn("Invalid pipeline name in list request", "pipeline", pipelineName, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid pipeline name: %v", err)})
		return
	}

	// Check if pipeline exists
	if _, err := s.Registry.Get(pipelineName); err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown pipeline"})
		return
	}

	limit := DefaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > MaxRunLimit {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}

	runs, err := s.Store.ListRuns(r.Context(), pipelineName, limit)
	if err != nil {
		s.Logger.Error("Failed to list runs", "error", err, "pipeline", pipelineName)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list runs"})
		return
	}

	// The latest run carries full stage detail; the list is summaries.
	latest, err := s.Store.LatestRun(r.Context(), pipelineName)
	if err != nil {
		s.Logger.Error("Failed to load latest run", "error", err, "pipeline", pipelineName)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list runs"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline":   pipelineName,
		"latest_run": latest,
		"runs":       runs,
	})
}

// HandleApprove delivers an approval decision to a gated stage
func (s *Server) HandleApprove(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}

	var req ApproveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.Logger.Error("Failed to parse JSON payload", "error", err, "run", runID)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if err := security.ValidateStageName(req.Stage); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid stage name: %v", err)})
		return
	}

	delivered := s.Engine.Approve(runID, req.Stage, engine.Decision{
		Approved: req.Approved,
		Actor:    req.Actor,
		Reason:   req.Reason,
	})
	if !delivered {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "No pending approval for this run and stage"})
		return
	}

	s.Logger.Info("approval decision delivered",
		"run", runID, "stage", req.Stage, "approved", req.Approved, "actor", req.Actor)
	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": "Decision recorded",
		"run_id":  runID,
		"stage":   req.Stage,
	})
}

// HandleCancel cancels an in-flight run. Already-triggered syncs keep
// reconciling at the agent.
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if _, ok := s.readSignedBody(w, r); !ok {
		return
	}

	if !s.Engine.Cancel(runID) {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "No active run with this id"})
		return
	}

	s.Logger.Info("run cancelled", "run", runID)
	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": "Run cancelled",
		"run_id":  runID,
	})
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pipelineNames := s.Registry.List()

	response := map[string]interface{}{
		"status":         "ok",
		"pipelines":      pipelineNames,
		"pipeline_count": s.Registry.Count(),
	}

	s.respondJSON(w, http.StatusOK, response)
}

// readSignedBody reads a size-limited JSON body and verifies its HMAC
// signature. Writes the error response itself when verification fails.
func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	// ContentLength can be -1 if not set, so check for both > 0 and > max
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return nil, false
	}

	if r.Header.Get("Content-Type") != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err, "path", r.URL.Path)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return nil, false
	}

	signature := r.Header.Get(SignatureHeader)
	if !VerifySignature(body, signature, s.Secret) {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return nil, false
	}

	return body, true
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
