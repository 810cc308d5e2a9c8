package models

import "time"

const (
	BatchStatusProcessing          = "processing"
	BatchStatusCompleted           = "completed"
	BatchStatusCompletedWithErrors = "completed_with_errors"
)

// BatchStatus aggregates the Jobs created together from one request.
// CompletedJobs and FailedJobs are recomputed from the jobs table, never incremented.
type BatchStatus struct {
	BatchID       string     `db:"batch_id"       json:"batch_id"`
	TotalJobs     int        `db:"total_jobs"     json:"total_jobs"`
	CompletedJobs int        `db:"completed_jobs" json:"completed_jobs"`
	FailedJobs    int        `db:"failed_jobs"    json:"failed_jobs"`
	Status        string     `db:"status"         json:"status"`
	CallbackURL   *string    `db:"callback_url"   json:"callback_url,omitempty"`
	CallbackSent  bool       `db:"callback_sent"  json:"callback_sent"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
	CompletedAt   *time.Time `db:"completed_at"   json:"completed_at,omitempty"`
}

// IsTerminal reports whether every job of the batch reached a terminal status.
func (b *BatchStatus) IsTerminal() bool {
	return b.Status == BatchStatusCompleted || b.Status == BatchStatusCompletedWithErrors
}
