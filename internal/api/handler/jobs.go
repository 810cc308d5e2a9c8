package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/promptbatch/internal/api/response"
	"github.com/kiranshivaraju/promptbatch/internal/batch"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

type submitJobRequest struct {
	AIModel    string `json:"ai_model"`
	Model      string `json:"model"`
	PromptName string `json:"prompt_name"`
	Request    string `json:"request"`
}

type submittedJob struct {
	JobID      string `json:"job_id"`
	PromptName string `json:"prompt_name"`
	Status     string `json:"status"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitJobRequest
		if !decodeBody(w, r, &req) {
			return
		}

		details := map[string]string{}
		if strings.TrimSpace(req.AIModel) == "" {
			details["ai_model"] = "ai_model is required"
		}
		if strings.TrimSpace(req.Model) == "" {
			details["model"] = "model is required"
		}
		if strings.TrimSpace(req.PromptName) == "" {
			details["prompt_name"] = "prompt_name is required"
		}
		if strings.TrimSpace(req.Request) == "" {
			details["request"] = "request is required"
		}
		if len(details) > 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job request", details)
			return
		}

		job, err := svc.SubmitJob(r.Context(), batch.JobRequest{
			AIModel:    req.AIModel,
			Model:      req.Model,
			PromptName: req.PromptName,
			Request:    req.Request,
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "PROMPT_NOT_FOUND", "Prompt template not found", nil)
				return
			}
			submissionError(w, err)
			return
		}
		response.Accepted(w, submittedJob{JobID: job.JobID, PromptName: job.PromptName, Status: job.Status})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := st.GetJob(r.Context(), chi.URLParam(r, "jobID"))
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			internalError(w, "get job", err)
			return
		}
		response.JSON(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Filters: status, batch_id. Most recent first.
func NewListJobsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status != "" && !models.IsValidJobStatus(status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of queued, started, finished, failed", nil)
			return
		}
		limit, offset := pageParams(r)
		jobs, total, err := st.ListJobs(r.Context(), store.JobFilter{
			Status:  status,
			BatchID: r.URL.Query().Get("batch_id"),
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			internalError(w, "list jobs", err)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.NewMeta(limit, offset, total))
	}
}

type jobStatusView struct {
	JobID        string     `json:"job_id"`
	Status       string     `json:"status"`
	BatchID      *string    `json:"batch_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	Source       string     `json:"source"`
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
// The cache is consulted first; a miss or cache error falls back to the store.
func NewJobStatusHandler(st store.Store, cache StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		if cache != nil {
			cached, ok, err := cache.GetJobStatus(r.Context(), jobID)
			if err != nil {
				slog.Warn("job status cache read failed", "job_id", jobID, "error", err)
			}
			if ok && err == nil {
				updated := cached.UpdatedAt
				response.JSON(w, jobStatusView{
					JobID:        cached.JobID,
					Status:       cached.Status,
					BatchID:      cached.BatchID,
					ErrorMessage: cached.ErrorMessage,
					UpdatedAt:    &updated,
					Source:       "cache",
				})
				return
			}
		}

		job, err := st.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			internalError(w, "get job", err)
			return
		}
		updated := job.CreatedAt
		if job.CompletedAt != nil {
			updated = *job.CompletedAt
		} else if job.StartedAt != nil {
			updated = *job.StartedAt
		}
		response.JSON(w, jobStatusView{
			JobID:        job.JobID,
			Status:       job.Status,
			BatchID:      job.BatchID,
			ErrorMessage: job.ErrorMessage,
			UpdatedAt:    &updated,
			Source:       "store",
		})
	}
}
