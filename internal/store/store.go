package store

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")
var ErrReservedName = errors.New("prompt name is reserved")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreatePromptTemplate(ctx context.Context, t *models.PromptTemplate) error
	UpsertPromptTemplate(ctx context.Context, t *models.PromptTemplate) error
	GetPromptTemplate(ctx context.Context, name string) (*models.PromptTemplate, error)
	ListPromptTemplates(ctx context.Context, filter TemplateFilter) ([]*models.PromptTemplate, error)
	UpdatePromptTemplate(ctx context.Context, name string, upd TemplateUpdate) (*models.PromptTemplate, error)
	DeletePromptTemplate(ctx context.Context, name string) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetJobByID(ctx context.Context, id int64) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, opts ...JobUpdateOption) error

	// CreateBatchWithJobs persists a batch and all of its jobs in one transaction.
	CreateBatchWithJobs(ctx context.Context, batch *models.BatchStatus, jobs []*models.Job) error
	GetBatch(ctx context.Context, batchID string) (*models.BatchStatus, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*models.BatchStatus, int, error)
	// ListBatchJobs returns the member jobs of a batch, excluding its merged document.
	ListBatchJobs(ctx context.Context, batchID string) ([]*models.Job, error)
	// WithBatchLock runs fn in a transaction holding the batch row lock.
	// Concurrent callers for the same batch are serialized.
	WithBatchLock(ctx context.Context, batchID string, fn func(ctx context.Context, tx BatchTx, batch *models.BatchStatus) error) error
	// MarkCallbackSent flips callback_sent false -> true on a terminal batch.
	// Returns false if it was already set or the batch is still processing.
	MarkCallbackSent(ctx context.Context, batchID string) (bool, error)
}

// BatchTx is the set of operations available while a batch row is locked.
type BatchTx interface {
	ListBatchJobs(ctx context.Context, batchID string) ([]*models.Job, error)
	UpdateBatchProgress(ctx context.Context, batch *models.BatchStatus) error
	// InsertMergedJob inserts the merged document row unless one with the same
	// job_id exists. Returns true if a row was inserted.
	InsertMergedJob(ctx context.Context, job *models.Job) (bool, error)
}

type TemplateFilter struct {
	IsActive *bool
}

type TemplateUpdate struct {
	Content     *string
	Description *string
	IsActive    *bool
}

type JobFilter struct {
	Status        string
	BatchID       string
	ExcludeMerged bool
	Limit         int
	Offset        int
}

type BatchFilter struct {
	Limit  int
	Offset int
}

// JobUpdate collects the optional fields of a status update.
type JobUpdate struct {
	ErrorMessage *string
	Result       *string
	Usage        *models.Usage
}

type JobUpdateOption func(*JobUpdate)

// ApplyJobUpdate folds opts into a JobUpdate.
func ApplyJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// WithResult sets result_text and token counts; required for the finished transition.
func WithResult(text string, usage models.Usage) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Result = &text
		p.Usage = &usage
	}
}

// validTransitions maps a target status to the statuses it may be reached from.
// Terminal statuses are final.
var validTransitions = map[string][]string{
	models.JobStatusStarted:  {models.JobStatusQueued},
	models.JobStatusFinished: {models.JobStatusQueued, models.JobStatusStarted},
	models.JobStatusFailed:   {models.JobStatusQueued, models.JobStatusStarted},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, f := range validTransitions[to] {
		if f == from {
			return true
		}
	}
	return false
}
