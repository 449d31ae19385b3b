// Package api provides the HTTP API handlers and routing for the jobflow service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"jobflow/internal/apperrors"
	"jobflow/internal/health"
	"jobflow/internal/run"
	"jobflow/internal/workflow"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// maxListLimit caps the page size of GET /v1/runs
const maxListLimit = 1000

// PlatformLister lists the registered platform names.
type PlatformLister interface {
	Names() []string
}

// StartResponse is returned when a run is accepted.
type StartResponse struct {
	ID        string         `json:"id"`
	Stage     workflow.Stage `json:"stage"`
	StatusURL string         `json:"statusUrl"`
}

// ListResponse is returned by GET /v1/runs.
type ListResponse struct {
	Runs []*run.Record `json:"runs"`
}

// PlatformsResponse is returned by GET /v1/platforms.
type PlatformsResponse struct {
	Platforms []string `json:"platforms"`
}

// Handler contains HTTP handlers for the runs API
type Handler struct {
	svc       *run.Service
	platforms PlatformLister
	health    *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *run.Service, platforms PlatformLister, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:       svc,
		platforms: platforms,
		health:    healthChecker,
	}
}

// StartRun handles POST /v1/orchestrators/{platform}
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	if platform == "" {
		writeErrorJSON(w, http.StatusBadRequest, "Platform is required")
		return
	}

	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrorJSON(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeErrorJSON(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	body, err := run.DecodeStartBody(data)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	body.Request.Platform = platform

	rec, err := h.svc.Start(r.Context(), body.RunID, body.Request)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	statusURL := "/v1/runs/" + rec.ID
	w.Header().Set("Location", statusURL)
	writeJSON(w, http.StatusAccepted, StartResponse{
		ID:        rec.ID,
		Stage:     rec.Stage,
		StatusURL: statusURL,
	})
}

// ListRuns handles GET /v1/runs?platform=&stage=&limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := run.ListOptions{
		Platform: q.Get("platform"),
		Stage:    workflow.Stage(strings.ToUpper(q.Get("stage"))),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			writeErrorJSON(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		opts.Limit = limit
	}

	runs, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{Runs: runs})
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		writeErrorJSON(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	rec, err := h.svc.Get(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ListPlatforms handles GET /v1/platforms
func (h *Handler) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PlatformsResponse{Platforms: h.platforms.Names()})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if a dependency (run store, Docker) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// writeJSON writes data as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeErrorJSON writes {"error": message}.
func writeErrorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
// Validation errors name the offending field.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path, "request_id", RequestID(r.Context()))
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status, "request_id", RequestID(r.Context()))
	}

	body := map[string]string{"error": err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Field != "" {
		body["field"] = appErr.Field
	}
	writeJSON(w, status, body)
}
