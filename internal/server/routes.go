package server

import (
	"net/http"
	"strings"

	"github.com/fetchbridge/dlsvc/internal/jobengine"
	"github.com/fetchbridge/dlsvc/internal/models"
)

// registerRoutes sets up every route this service exposes: the three
// download endpoints, health, and the optional WebSocket job-event feed.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/download/initiate", s.handleInitiate)
	mux.HandleFunc("/v1/download/status/", s.handleStatus)
	mux.HandleFunc("/v1/download/", s.handleResolve)
	mux.HandleFunc("/ws/jobs", s.handleJobEventsWS)
}

// --- initiateRequestBody / response wire shapes ---

// initiateRequestBody is the JSON body accepted by POST /v1/download/initiate.
// fileID is JSON sugar for a single-element fileIds submission: the HTTP
// layer normalizes it before it ever reaches the façade, which only ever
// sees FileIDs.
type initiateRequestBody struct {
	FileID          *int64  `json:"file_id,omitempty"`
	FileIDs         []int64 `json:"file_ids,omitempty"`
	ClientRequestID string  `json:"clientRequestId,omitempty"`
	UserID          string  `json:"userId,omitempty"`
	Priority        string  `json:"priority,omitempty"`
}

type initiateResponseBody struct {
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	NextPollInMs int64  `json:"nextPollInMs"`
	ExpiresAt    string `json:"expiresAt"`
	TotalFileIDs int    `json:"totalFileIds"`
}

// handleInitiate implements POST /v1/download/initiate.
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var body initiateRequestBody
	if !DecodeJSON(w, r, &body) {
		return
	}

	fileIDs := body.FileIDs
	if body.FileID != nil {
		fileIDs = append([]int64{*body.FileID}, fileIDs...)
	}

	req := jobengine.InitiateRequest{
		FileIDs:         fileIDs,
		ClientRequestID: body.ClientRequestID,
		UserID:          body.UserID,
		Priority:        models.Priority(body.Priority),
	}

	result, err := s.app.Service.Initiate(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, initiateResponseBody{
		JobID:        result.JobID,
		Status:       string(result.Status),
		NextPollInMs: result.NextPollInMs,
		ExpiresAt:    result.ExpiresAt,
		TotalFileIDs: result.TotalFileIDs,
	})
}

// handleStatus implements GET /v1/download/status/:jobId.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := PathParam(r, "/v1/download/status/", "")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "jobId is required")
		return
	}

	job, err := s.app.Service.Status(jobID)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, "job not found", "notFound")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// handleResolve implements GET /v1/download/:jobId, including the cancel
// sub-route on the same path.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/download/")
	if path == "" || strings.HasPrefix(path, "status/") {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}

	parts := strings.SplitN(path, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "jobId is required")
		return
	}

	if len(parts) == 2 && parts[1] == "cancel" {
		s.handleCancel(w, r, jobID)
		return
	}

	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	outcome, err := s.app.Service.Resolve(jobID)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, "job not found", "notFound")
		return
	}

	asJSON := r.URL.Query().Get("format") == "json"

	switch outcome.Kind {
	case "redirect":
		if asJSON {
			WriteJSON(w, http.StatusOK, outcome.Job)
			return
		}
		http.Redirect(w, r, outcome.Job.Result.URL, http.StatusFound)
	case "notReady":
		WriteJSON(w, http.StatusConflict, outcome.Job)
	case "gone":
		WriteJSON(w, http.StatusGone, outcome.Job)
	default: // notFound
		WriteErrorWithCode(w, http.StatusNotFound, "job not found or expired", "notFound")
	}
}

// handleCancel implements POST /v1/download/:jobId/cancel. Idempotent per
// the façade contract.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	job, err := s.app.Service.Cancel(jobID)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, "job not found", "notFound")
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleHealth implements GET /health: reports service liveness plus object
// storage reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}

	storageStatus := "ok"
	if err := s.app.Storage.HealthCheck(r.Context()); err != nil {
		storageStatus = "error"
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{
			"storage": storageStatus,
		},
	})
}

// handleJobEventsWS upgrades to the WebSocket job-event feed, additive to,
// never a replacement for, HTTP polling. Optional job_id/user_id query
// parameters scope the feed.
func (s *Server) handleJobEventsWS(w http.ResponseWriter, r *http.Request) {
	s.app.Hub.ServeWS(w, r)
}

// writeServiceError maps a façade error to its HTTP status and error code.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case jobengine.IsValidation(err):
		WriteErrorWithCode(w, http.StatusBadRequest, err.Error(), "validation")
	case jobengine.IsServiceBusy(err):
		WriteErrorWithCode(w, http.StatusServiceUnavailable, "service busy, retry later", "serviceBusy")
	case jobengine.IsNotFound(err):
		WriteErrorWithCode(w, http.StatusNotFound, "job not found", "notFound")
	default:
		WriteErrorWithCode(w, http.StatusInternalServerError, "internal error", "internal")
	}
}
