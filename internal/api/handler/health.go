package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/promptbatch/internal/api/response"
)

// Pinger is anything with a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueDepth reports how many messages wait for a worker.
type QueueDepth interface {
	Len(ctx context.Context) (int64, error)
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. It
// checks database and Redis connectivity; either failing answers 503.
func NewHealthHandler(db, redis Pinger, q QueueDepth, providers []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"redis":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := redis.Ping(r.Context()); err != nil {
			checks["redis"] = "degraded"
		}

		if checks["database"] != "ok" || checks["redis"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		body := map[string]any{
			"status":    "ok",
			"services":  checks,
			"providers": providers,
		}
		if q != nil {
			if n, err := q.Len(r.Context()); err == nil {
				body["queue_depth"] = n
			}
		}
		response.JSON(w, body)
	}
}
