// Package handler contains the HTTP handlers. Each handler is a closure over
// its service dependency so the router stays wiring-only.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/nikhilbhat/credbroker/internal/api/middleware"
	"github.com/nikhilbhat/credbroker/internal/api/response"
	"github.com/nikhilbhat/credbroker/internal/scheduler"
)

const maxPayloadBytes = 1 << 20

// NewSubmitJobHandler returns the handler for POST /api/v1/jobs. The caller
// identity and tier come from the authenticated API key; clients may supply
// their own job_id to make retried submissions idempotent.
func NewSubmitJobHandler(svc *scheduler.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, tier, ok := mw.GetCaller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		var req struct {
			JobID   string          `json:"job_id"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		var jobID uuid.UUID
		if req.JobID != "" {
			parsed, err := uuid.Parse(req.JobID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id must be a UUID", nil)
				return
			}
			jobID = parsed
		}

		job, err := svc.Submit(r.Context(), scheduler.SubmitParams{
			JobID:    jobID,
			CallerID: callerID,
			Tier:     tier,
			Payload:  req.Payload,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit job", nil)
			return
		}

		response.Accepted(w, job)
	}
}

// NewJobStatusHandler returns the handler for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(svc *scheduler.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		job, err := svc.Status(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, scheduler.ErrJobNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read job", nil)
			return
		}

		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns the handler for DELETE /api/v1/jobs/{jobID}.
// A pending job is finalized immediately; a processing job is cancelled at
// its worker's next checkpoint.
func NewCancelJobHandler(svc *scheduler.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		job, err := svc.Cancel(r.Context(), jobID)
		if err != nil {
			switch {
			case errors.Is(err, scheduler.ErrJobNotFound):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
			case errors.Is(err, scheduler.ErrJobTerminal):
				response.Error(w, http.StatusConflict, "JOB_TERMINAL",
					"Job already finished", map[string]string{"status": job.Status})
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
			}
			return
		}

		response.JSON(w, job)
	}
}
