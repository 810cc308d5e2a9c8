package models

import "time"

const (
	JobStatusQueued   = "queued"
	JobStatusStarted  = "started"
	JobStatusFinished = "finished"
	JobStatusFailed   = "failed"
)

// MergedPromptName marks the synthetic Job holding a batch's merged document.
const MergedPromptName = "MERGED_DOCUMENTATION"

// MergedJobPrefix prefixes the batch id in a merged document's job id.
const MergedJobPrefix = "merged_"

// MergedJobID returns the deterministic job id of a batch's merged document.
func MergedJobID(batchID string) string {
	return MergedJobPrefix + batchID
}

// Job is one template applied to one request. Clients poll GET /api/v1/jobs/{job_id}
// until status is finished or failed.
// ResultText and the token counts are non-nil iff Status is finished.
type Job struct {
	ID               int64      `db:"id"                json:"id"`
	JobID            string     `db:"job_id"            json:"job_id"`
	BatchID          *string    `db:"batch_id"          json:"batch_id,omitempty"`
	AIModel          string     `db:"ai_model"          json:"ai_model"`
	Model            string     `db:"model"             json:"model"`
	PromptName       string     `db:"prompt_name"       json:"prompt_name"`
	RequestCode      string     `db:"request_code"      json:"request_code,omitempty"`
	ResultText       *string    `db:"result_text"       json:"result_text,omitempty"`
	PromptTokens     *int       `db:"prompt_tokens"     json:"prompt_tokens,omitempty"`
	CompletionTokens *int       `db:"completion_tokens" json:"completion_tokens,omitempty"`
	TotalTokens      *int       `db:"total_tokens"      json:"total_tokens,omitempty"`
	Status           string     `db:"status"            json:"status"`
	ErrorMessage     *string    `db:"error_message"     json:"error_message,omitempty"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
	StartedAt        *time.Time `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at"      json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job reached finished or failed.
func (j *Job) IsTerminal() bool {
	return IsTerminalJobStatus(j.Status)
}

// IsMerged reports whether the job is a batch's merged document.
func (j *Job) IsMerged() bool {
	return j.BatchID != nil && j.JobID == MergedJobID(*j.BatchID)
}

// IsReservedPromptName reports whether name belongs to the merged document
// and so cannot be used by a template.
func IsReservedPromptName(name string) bool {
	return name == MergedPromptName
}

func IsTerminalJobStatus(status string) bool {
	return status == JobStatusFinished || status == JobStatusFailed
}

func IsValidJobStatus(status string) bool {
	switch status {
	case JobStatusQueued, JobStatusStarted, JobStatusFinished, JobStatusFailed:
		return true
	}
	return false
}
