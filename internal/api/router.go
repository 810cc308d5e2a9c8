package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	mw "github.com/kiranshivaraju/promptbatch/internal/api/middleware"
	"github.com/kiranshivaraju/promptbatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit      *mw.RateLimit
	AllowedOrigins []string

	HealthHandler http.HandlerFunc

	CreateBatchHandler http.HandlerFunc
	ListBatchesHandler http.HandlerFunc
	GetBatchHandler    http.HandlerFunc

	SubmitJobHandler http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	JobStatusHandler http.HandlerFunc

	ListResultsHandler http.HandlerFunc
	GetResultHandler   http.HandlerFunc

	CreatePromptHandler http.HandlerFunc
	ListPromptsHandler  http.HandlerFunc
	GetPromptHandler    http.HandlerFunc
	UpdatePromptHandler http.HandlerFunc
	DeletePromptHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", orNotImplemented(deps.HealthHandler))

		// Submissions are rate limited per client.
		r.Group(func(r chi.Router) {
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}
			r.Post("/batches", orNotImplemented(deps.CreateBatchHandler))
			r.Post("/jobs", orNotImplemented(deps.SubmitJobHandler))
		})

		r.Get("/batches", orNotImplemented(deps.ListBatchesHandler))
		r.Get("/batches/{batchID}", orNotImplemented(deps.GetBatchHandler))

		r.Get("/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Get("/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))

		r.Get("/results", orNotImplemented(deps.ListResultsHandler))
		r.Get("/results/{id}", orNotImplemented(deps.GetResultHandler))

		r.Route("/prompts", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreatePromptHandler))
			r.Get("/", orNotImplemented(deps.ListPromptsHandler))
			r.Get("/{name}", orNotImplemented(deps.GetPromptHandler))
			r.Put("/{name}", orNotImplemented(deps.UpdatePromptHandler))
			r.Delete("/{name}", orNotImplemented(deps.DeletePromptHandler))
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{mw.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
	})

	return otelhttp.NewHandler(c.Handler(r), "promptbatch.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
