package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/promptbatch/internal/api/response"
	"github.com/kiranshivaraju/promptbatch/internal/batch"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

type createBatchRequest struct {
	AIModel     string  `json:"ai_model"`
	Model       string  `json:"model"`
	Request     string  `json:"request"`
	CallbackURL *string `json:"callback_url"`
}

// NewCreateBatchHandler returns an http.HandlerFunc for POST /api/v1/batches.
func NewCreateBatchHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
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
		if strings.TrimSpace(req.Request) == "" {
			details["request"] = "request is required"
		}
		if req.CallbackURL != nil {
			if *req.CallbackURL == "" {
				req.CallbackURL = nil
			} else if !validCallbackURL(*req.CallbackURL) {
				details["callback_url"] = "callback_url must be an absolute http(s) URL"
			}
		}
		if len(details) > 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid batch request", details)
			return
		}

		created, err := svc.CreateBatch(r.Context(), batch.BatchRequest{
			AIModel:     req.AIModel,
			Model:       req.Model,
			Request:     req.Request,
			CallbackURL: req.CallbackURL,
		})
		if err != nil {
			if errors.Is(err, batch.ErrNoActiveTemplates) {
				response.Error(w, http.StatusInternalServerError, "NO_ACTIVE_TEMPLATES",
					"No active prompt templates are configured", nil)
				return
			}
			submissionError(w, err)
			return
		}
		response.Created(w, created)
	}
}

type batchJobView struct {
	JobID        string     `json:"job_id"`
	PromptName   string     `json:"prompt_name"`
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	TotalTokens  *int       `json:"total_tokens,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type mergedRef struct {
	JobID    string `json:"job_id"`
	ResultID int64  `json:"result_id"`
}

type batchDetail struct {
	*models.BatchStatus
	Jobs   []batchJobView `json:"jobs"`
	Merged *mergedRef     `json:"merged_result,omitempty"`
}

// NewGetBatchHandler returns an http.HandlerFunc for GET /api/v1/batches/{batchID}.
func NewGetBatchHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchID")
		b, err := st.GetBatch(r.Context(), batchID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "BATCH_NOT_FOUND", "Batch not found", nil)
			return
		}
		if err != nil {
			internalError(w, "get batch", err)
			return
		}

		jobs, err := st.ListBatchJobs(r.Context(), batchID)
		if err != nil {
			internalError(w, "list batch jobs", err)
			return
		}
		out := batchDetail{BatchStatus: b, Jobs: make([]batchJobView, 0, len(jobs))}
		for _, j := range jobs {
			out.Jobs = append(out.Jobs, batchJobView{
				JobID:        j.JobID,
				PromptName:   j.PromptName,
				Status:       j.Status,
				ErrorMessage: j.ErrorMessage,
				TotalTokens:  j.TotalTokens,
				StartedAt:    j.StartedAt,
				CompletedAt:  j.CompletedAt,
			})
		}

		merged, err := st.GetJob(r.Context(), models.MergedJobID(batchID))
		switch {
		case err == nil:
			out.Merged = &mergedRef{JobID: merged.JobID, ResultID: merged.ID}
		case !errors.Is(err, store.ErrNotFound):
			internalError(w, "get merged job", err)
			return
		}
		response.JSON(w, out)
	}
}

// NewListBatchesHandler returns an http.HandlerFunc for GET /api/v1/batches.
func NewListBatchesHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		batches, total, err := st.ListBatches(r.Context(), store.BatchFilter{Limit: limit, Offset: offset})
		if err != nil {
			internalError(w, "list batches", err)
			return
		}
		if batches == nil {
			batches = []*models.BatchStatus{}
		}
		response.Collection(w, batches, response.NewMeta(limit, offset, total))
	}
}
