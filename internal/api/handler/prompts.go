package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/promptbatch/internal/api/response"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

type createPromptRequest struct {
	Name        string  `json:"name"`
	Content     string  `json:"content"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

type updatePromptRequest struct {
	Content     *string `json:"content"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

// NewCreatePromptHandler returns an http.HandlerFunc for POST /api/v1/prompts.
func NewCreatePromptHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createPromptRequest
		if !decodeBody(w, r, &req) {
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if models.IsReservedPromptName(name) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is reserved", nil)
			return
		}

		t := &models.PromptTemplate{
			Name:        name,
			Content:     req.Content,
			Description: req.Description,
			IsActive:    true,
		}
		if req.IsActive != nil {
			t.IsActive = *req.IsActive
		}
		if err := st.CreatePromptTemplate(r.Context(), t); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "PROMPT_EXISTS", "A prompt with this name already exists", nil)
				return
			}
			internalError(w, "create prompt", err)
			return
		}
		response.Created(w, t)
	}
}

// NewListPromptsHandler returns an http.HandlerFunc for GET /api/v1/prompts.
func NewListPromptsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter store.TemplateFilter
		if raw := r.URL.Query().Get("is_active"); raw != "" {
			active, err := strconv.ParseBool(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "is_active must be a boolean", nil)
				return
			}
			filter.IsActive = &active
		}
		ts, err := st.ListPromptTemplates(r.Context(), filter)
		if err != nil {
			internalError(w, "list prompts", err)
			return
		}
		if ts == nil {
			ts = []*models.PromptTemplate{}
		}
		response.JSON(w, ts)
	}
}

// NewGetPromptHandler returns an http.HandlerFunc for GET /api/v1/prompts/{name}.
func NewGetPromptHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := st.GetPromptTemplate(r.Context(), chi.URLParam(r, "name"))
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROMPT_NOT_FOUND", "Prompt template not found", nil)
			return
		}
		if err != nil {
			internalError(w, "get prompt", err)
			return
		}
		response.JSON(w, t)
	}
}

// NewUpdatePromptHandler returns an http.HandlerFunc for PUT /api/v1/prompts/{name}.
// Omitted fields are left unchanged.
func NewUpdatePromptHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updatePromptRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Content == nil && req.Description == nil && req.IsActive == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "nothing to update", nil)
			return
		}
		t, err := st.UpdatePromptTemplate(r.Context(), chi.URLParam(r, "name"), store.TemplateUpdate{
			Content:     req.Content,
			Description: req.Description,
			IsActive:    req.IsActive,
		})
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROMPT_NOT_FOUND", "Prompt template not found", nil)
			return
		}
		if err != nil {
			internalError(w, "update prompt", err)
			return
		}
		response.JSON(w, t)
	}
}

// NewDeletePromptHandler returns an http.HandlerFunc for DELETE /api/v1/prompts/{name}.
func NewDeletePromptHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := st.DeletePromptTemplate(r.Context(), chi.URLParam(r, "name"))
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "PROMPT_NOT_FOUND", "Prompt template not found", nil)
			return
		}
		if err != nil {
			internalError(w, "delete prompt", err)
			return
		}
		response.NoContent(w)
	}
}
