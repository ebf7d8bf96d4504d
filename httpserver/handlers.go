package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/apperror"
	"github.com/isdmx/pyexec/sandbox"
)

const (
	serviceName    = "Python Execution Engine"
	serviceVersion = "1.0.0"

	// bodyOverhead leaves room for JSON framing and escaping around the code
	bodyOverhead = 64 * 1024
)

// StopResponse is returned by POST /stop/{id}
type StopResponse struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"execution_id"`
	Message     string `json:"message"`
}

// PackagesResponse is returned by GET /packages
type PackagesResponse struct {
	AllowedPackages []string `json:"allowed_packages"`
	TotalCount      int      `json:"total_count"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	Status            string   `json:"status"`
	RunningExecutions int      `json:"running_executions"`
	ExecutionIDs      []string `json:"execution_ids"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.Execution.MaxCodeBytes)+bodyOverhead)

	var req sandbox.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, s.logger, apperror.ValidationFailed("code", "request body too large"))
			return
		}
		writeError(w, s.logger, apperror.ValidationFailed("body", "invalid JSON request body"))
		return
	}

	result, err := s.executor.Execute(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, s.logger, http.StatusOK, result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	resp := StopResponse{ExecutionID: id}
	if s.executor.Cancel(id) {
		resp.Success = true
		resp.Message = "execution stopped"
		s.logger.Info("execution stopped on request", zap.String("execution_id", id))
	} else {
		resp.Message = "execution not found or already finished"
	}

	writeJSON(w, s.logger, http.StatusOK, resp)
}

func (s *Server) handlePackages(w http.ResponseWriter, _ *http.Request) {
	packages := s.executor.AllowedPackages()
	writeJSON(w, s.logger, http.StatusOK, PackagesResponse{
		AllowedPackages: packages,
		TotalCount:      len(packages),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: serviceName,
		Version: serviceVersion,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	ids := s.executor.RunningExecutions()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, s.logger, http.StatusOK, StatusResponse{
		Status:            "healthy",
		RunningExecutions: len(ids),
		ExecutionIDs:      ids,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, s.executor.Limits())
}
