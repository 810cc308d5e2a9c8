package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/promptbatch/internal/api/response"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// NewListResultsHandler returns an http.HandlerFunc for GET /api/v1/results:
// finished jobs, optionally for one batch.
func NewListResultsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		jobs, total, err := st.ListJobs(r.Context(), store.JobFilter{
			Status:  models.JobStatusFinished,
			BatchID: r.URL.Query().Get("batch_id"),
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			internalError(w, "list results", err)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.NewMeta(limit, offset, total))
	}
}

// NewGetResultHandler returns an http.HandlerFunc for GET /api/v1/results/{id},
// where id is the job's surrogate key. Only finished jobs are results.
func NewGetResultHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "id must be a positive integer", nil)
			return
		}
		job, err := st.GetJobByID(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && job.Status != models.JobStatusFinished) {
			response.Error(w, http.StatusNotFound, "RESULT_NOT_FOUND", "Result not found", nil)
			return
		}
		if err != nil {
			internalError(w, "get result", err)
			return
		}
		response.JSON(w, job)
	}
}
