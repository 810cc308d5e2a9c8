// Package batch fans a request out over the active prompt templates, tracks
// batch progress, merges finished results, and fires the completion webhook.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kiranshivaraju/promptbatch/internal/queue"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

var tracer = otel.Tracer("github.com/kiranshivaraju/promptbatch/internal/batch")

// ErrNoActiveTemplates is returned by CreateBatch when there is nothing to fan out over.
var ErrNoActiveTemplates = errors.New("no active prompt templates")

// DefaultStaleThreshold is how long a job may sit in started before
// recomputation warns about it.
const DefaultStaleThreshold = 10 * time.Minute

// Providers validates a provider selector before any row is written.
type Providers interface {
	Get(name string) (models.AIProvider, error)
}

// Enqueuer is the producer side of the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// BatchRequest is the input to CreateBatch.
type BatchRequest struct {
	AIModel     string
	Model       string
	Request     string
	CallbackURL *string
}

// JobRequest is the input to SubmitJob.
type JobRequest struct {
	AIModel    string
	Model      string
	PromptName string
	Request    string
}

// JobRef identifies one job of a created batch.
type JobRef struct {
	JobID      string `json:"job_id"`
	PromptName string `json:"prompt_name"`
}

// Created is the result of CreateBatch.
type Created struct {
	BatchID string   `json:"batch_id"`
	Jobs    []JobRef `json:"jobs"`
	Total   int      `json:"total"`
}

// Service implements the Batch Orchestrator and Batch Status Recomputation.
type Service struct {
	store          store.Store
	queue          Enqueuer
	providers      Providers
	notifier       *Notifier
	staleThreshold time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Service)

func WithNotifier(n *Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithStaleThreshold(d time.Duration) Option {
	return func(s *Service) { s.staleThreshold = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. providers may be nil when the caller only
// recomputes batches.
func NewService(st store.Store, q Enqueuer, providers Providers, opts ...Option) *Service {
	s := &Service{
		store:          st,
		queue:          q,
		providers:      providers,
		staleThreshold: DefaultStaleThreshold,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "batch")
	return s
}

// CreateBatch persists one job per active template and enqueues them. Rows are
// committed before any message is enqueued.
func (s *Service) CreateBatch(ctx context.Context, req BatchRequest) (*Created, error) {
	ctx, span := tracer.Start(ctx, "batch.create")
	defer span.End()

	if err := s.checkProvider(req.AIModel); err != nil {
		return nil, err
	}

	active := true
	templates, err := s.store.ListPromptTemplates(ctx, store.TemplateFilter{IsActive: &active})
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	if len(templates) == 0 {
		return nil, ErrNoActiveTemplates
	}

	batchID := uuid.NewString()
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.Int("batch.jobs", len(templates)))
	now := s.now().UTC()

	jobs := make([]*models.Job, 0, len(templates))
	for _, t := range templates {
		bid := batchID
		jobs = append(jobs, &models.Job{
			JobID:       uuid.NewString(),
			BatchID:     &bid,
			AIModel:     req.AIModel,
			Model:       req.Model,
			PromptName:  t.Name,
			RequestCode: req.Request,
			Status:      models.JobStatusQueued,
			CreatedAt:   now,
		})
	}

	b := &models.BatchStatus{
		BatchID:     batchID,
		TotalJobs:   len(jobs),
		Status:      models.BatchStatusProcessing,
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
	}
	if err := s.store.CreateBatchWithJobs(ctx, b, jobs); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	// Rows are committed. A disconnecting client must not strand them queued
	// without a message.
	ctx = context.WithoutCancel(ctx)

	out := &Created{BatchID: batchID, Total: len(jobs), Jobs: make([]JobRef, 0, len(jobs))}
	enqueueFailed := 0
	for i, j := range jobs {
		out.Jobs = append(out.Jobs, JobRef{JobID: j.JobID, PromptName: j.PromptName})
		if err := s.enqueue(ctx, j, templates[i].Content); err != nil {
			enqueueFailed++
		}
	}

	s.logger.Info("batch created", "batch_id", batchID, "jobs", len(jobs), "ai_model", req.AIModel, "model", req.Model)
	if enqueueFailed > 0 {
		s.logger.Warn("some batch jobs could not be enqueued", "batch_id", batchID, "failed", enqueueFailed)
		if err := s.Recompute(ctx, batchID); err != nil {
			s.logger.Error("recompute after enqueue failure", "batch_id", batchID, "error", err)
		}
	}
	return out, nil
}

// SubmitJob creates and enqueues a single job outside any batch.
func (s *Service) SubmitJob(ctx context.Context, req JobRequest) (*models.Job, error) {
	ctx, span := tracer.Start(ctx, "batch.submit_job")
	defer span.End()

	if err := s.checkProvider(req.AIModel); err != nil {
		return nil, err
	}
	t, err := s.store.GetPromptTemplate(ctx, req.PromptName)
	if err != nil {
		return nil, fmt.Errorf("load template %q: %w", req.PromptName, err)
	}

	job := &models.Job{
		JobID:       uuid.NewString(),
		AIModel:     req.AIModel,
		Model:       req.Model,
		PromptName:  t.Name,
		RequestCode: req.Request,
		Status:      models.JobStatusQueued,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.enqueue(ctx, job, t.Content); err != nil {
		return nil, err
	}
	s.logger.Info("job submitted", "job_id", job.JobID, "prompt_name", job.PromptName, "ai_model", job.AIModel)
	return job, nil
}

// enqueue publishes the runner invocation for job. On failure the job is
// marked failed so it cannot stay queued forever.
func (s *Service) enqueue(ctx context.Context, job *models.Job, systemPrompt string) error {
	err := s.queue.Enqueue(ctx, queue.Message{
		JobID:        job.JobID,
		BatchID:      job.BatchID,
		AIModel:      job.AIModel,
		Model:        job.Model,
		PromptName:   job.PromptName,
		SystemPrompt: systemPrompt,
		RequestText:  job.RequestCode,
	})
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf("enqueue: %v", err)
	s.logger.Error("failed to enqueue job", "job_id", job.JobID, "error", err)
	if uerr := s.store.UpdateJobStatus(ctx, job.JobID, models.JobStatusFailed, store.WithErrorMessage(msg)); uerr != nil {
		s.logger.Error("failed to mark unenqueued job failed", "job_id", job.JobID, "error", uerr)
	}
	job.Status = models.JobStatusFailed
	job.ErrorMessage = &msg
	return fmt.Errorf("enqueue job %s: %w", job.JobID, err)
}

func (s *Service) checkProvider(name string) error {
	if s.providers == nil {
		return nil
	}
	_, err := s.providers.Get(name)
	return err
}

// Recompute refreshes a batch's counters from its member jobs. The caller that
// moves the batch to a terminal status also merges results and, after commit,
// sends the webhook. Safe to call any number of times concurrently.
func (s *Service) Recompute(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "batch.recompute")
	span.SetAttributes(attribute.String("batch.id", batchID))
	defer span.End()

	var finished *models.BatchStatus
	err := s.store.WithBatchLock(ctx, batchID, func(ctx context.Context, tx store.BatchTx, b *models.BatchStatus) error {
		if b.IsTerminal() {
			return nil
		}
		jobs, err := tx.ListBatchJobs(ctx, batchID)
		if err != nil {
			return err
		}

		b.CompletedJobs, b.FailedJobs = 0, 0
		for _, j := range jobs {
			switch j.Status {
			case models.JobStatusFinished:
				b.CompletedJobs++
			case models.JobStatusFailed:
				b.FailedJobs++
			}
		}

		if b.CompletedJobs+b.FailedJobs < b.TotalJobs {
			s.warnStale(batchID, jobs)
			return tx.UpdateBatchProgress(ctx, b)
		}

		now := s.now().UTC()
		b.Status = models.BatchStatusCompleted
		if b.FailedJobs > 0 {
			b.Status = models.BatchStatusCompletedWithErrors
		}
		b.CompletedAt = &now
		if err := tx.UpdateBatchProgress(ctx, b); err != nil {
			return err
		}

		if merged := BuildMergedJob(b, jobs, now); merged != nil {
			inserted, err := tx.InsertMergedJob(ctx, merged)
			if err != nil {
				return err
			}
			if inserted {
				s.logger.Info("batch results merged", "batch_id", batchID, "sections", b.CompletedJobs)
			}
		} else {
			s.logger.Warn("no finished jobs to merge", "batch_id", batchID)
		}

		finished = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("recompute batch %s: %w", batchID, err)
	}

	if finished == nil {
		return nil
	}
	s.logger.Info("batch completed",
		"batch_id", batchID,
		"status", finished.Status,
		"completed_jobs", finished.CompletedJobs,
		"failed_jobs", finished.FailedJobs,
	)
	if s.notifier != nil && finished.CallbackURL != nil {
		if _, err := s.notifier.Notify(ctx, finished); err != nil {
			s.logger.Warn("webhook not delivered", "batch_id", batchID, "error", err)
		}
	}
	return nil
}

func (s *Service) warnStale(batchID string, jobs []*models.Job) {
	if s.staleThreshold <= 0 {
		return
	}
	now := s.now()
	for _, j := range jobs {
		if j.Status != models.JobStatusStarted || j.StartedAt == nil {
			continue
		}
		if age := now.Sub(*j.StartedAt); age > s.staleThreshold {
			s.logger.Warn("job stuck in started",
				"batch_id", batchID,
				"job_id", j.JobID,
				"started_at", j.StartedAt.Format(time.RFC3339),
				"age", age.Round(time.Second).String(),
			)
		}
	}
}
