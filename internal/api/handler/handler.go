// Package handler implements the HTTP endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/api/response"
	"github.com/kiranshivaraju/promptbatch/internal/batch"
	"github.com/kiranshivaraju/promptbatch/internal/cache"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// MaxBodyBytes bounds submission bodies. Oversized requests are split by the
// runner, not rejected, so the bound is generous.
const MaxBodyBytes = 32 << 20

// Submitter creates batches and single jobs.
type Submitter interface {
	CreateBatch(ctx context.Context, req batch.BatchRequest) (*batch.Created, error)
	SubmitJob(ctx context.Context, req batch.JobRequest) (*models.Job, error)
}

// StatusReader serves the job-status fast path.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID string) (*cache.JobStatus, bool, error)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			response.Error(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "Request body too large", nil)
		case errors.Is(err, io.EOF):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body is empty", nil)
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		}
		return false
	}
	return true
}

// submissionError maps orchestrator errors shared by batch and job submission.
func submissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ai.ErrUnknownModel):
		response.Error(w, http.StatusBadRequest, "UNKNOWN_MODEL", err.Error(), nil)
	case errors.Is(err, ai.ErrProviderUnavailable):
		response.Error(w, http.StatusBadRequest, "PROVIDER_NOT_CONFIGURED", err.Error(), nil)
	default:
		slog.Error("submission failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}

// pageParams reads limit and offset. Out-of-range values are clamped.
func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func validCallbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
