// Package runner executes one queued Job: budget, optional chunking, provider
// calls, and persistence of the terminal state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kiranshivaraju/promptbatch/internal/budget"
	"github.com/kiranshivaraju/promptbatch/internal/cache"
	"github.com/kiranshivaraju/promptbatch/internal/queue"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

var tracer = otel.Tracer("github.com/kiranshivaraju/promptbatch/internal/runner")

// JobStore is the subset of store.Store the runner writes through.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, opts ...store.JobUpdateOption) error
}

// Providers resolves a provider selector to its adapter.
type Providers interface {
	Get(name string) (models.AIProvider, error)
}

// Recomputer refreshes a batch's aggregate state after a member job ends.
type Recomputer interface {
	Recompute(ctx context.Context, batchID string) error
}

// StatusPublisher publishes job transitions for fast status reads.
type StatusPublisher interface {
	SetJobStatus(ctx context.Context, st cache.JobStatus, ttl time.Duration) error
}

// Runner implements the Job Runner.
type Runner struct {
	store      JobStore
	providers  Providers
	budgeter   *budget.Budgeter
	recomputer Recomputer
	status     StatusPublisher
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

type Option func(*Runner)

func WithRecomputer(r Recomputer) Option {
	return func(rn *Runner) { rn.recomputer = r }
}

func WithStatusPublisher(p StatusPublisher) Option {
	return func(rn *Runner) { rn.status = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(rn *Runner) { rn.logger = l }
}

// WithTerminalBackOff overrides the retry schedule for the terminal write and
// the batch recompute that follows it.
func WithTerminalBackOff(f func() backoff.BackOff) Option {
	return func(rn *Runner) { rn.newBackOff = f }
}

// New creates a Runner.
func New(st JobStore, providers Providers, b *budget.Budgeter, opts ...Option) *Runner {
	r := &Runner{
		store:      st,
		providers:  providers,
		budgeter:   b,
		logger:     slog.Default(),
		newBackOff: defaultTerminalBackOff,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner")
	return r
}

// defaultTerminalBackOff allows five attempts in total.
func defaultTerminalBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 4)
}

// Run processes one delivery. A nil return means the message may be acknowledged;
// an error means the outcome was not durably recorded and the message must stay
// unacknowledged.
func (r *Runner) Run(ctx context.Context, msg queue.Message) (err error) {
	ctx, span := tracer.Start(msg.Context(ctx), "runner.run")
	span.SetAttributes(
		attribute.String("job.id", msg.JobID),
		attribute.String("ai.provider", msg.AIModel),
		attribute.String("ai.model", msg.Model),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := r.logger.With("job_id", msg.JobID, "ai_model", msg.AIModel, "model", msg.Model)

	job, err := r.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("queued job has no row, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	if job.IsTerminal() {
		log.Info("job already terminal, skipping execution", "status", job.Status)
		return r.recompute(ctx, job.BatchID)
	}

	err = r.store.UpdateJobStatus(ctx, msg.JobID, models.JobStatusStarted)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		// Another delivery got here first; it may already have finished.
		if cur, gerr := r.store.GetJob(ctx, msg.JobID); gerr == nil && cur.IsTerminal() {
			log.Info("job finished by another delivery, skipping execution", "status", cur.Status)
			return r.recompute(ctx, job.BatchID)
		}
	case err != nil:
		log.Warn("failed to mark job started", "error", err)
	}
	r.publish(ctx, msg.JobID, job.BatchID, models.JobStatusStarted, nil)

	start := time.Now()
	text, usage, execErr := r.execute(ctx, log, msg)

	status := models.JobStatusFinished
	opts := []store.JobUpdateOption{store.WithResult(text, usage)}
	var errMsg *string
	if execErr != nil {
		status = models.JobStatusFailed
		m := execErr.Error()
		errMsg = &m
		opts = []store.JobUpdateOption{store.WithErrorMessage(m)}
		log.Warn("job failed", "error", execErr, "duration_ms", time.Since(start).Milliseconds())
	} else {
		log.Info("job finished",
			"prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens,
			"total_tokens", usage.TotalTokens,
			"usage_estimated", usage.Estimated,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	lost, err := r.persistTerminal(ctx, msg.JobID, status, opts...)
	if err != nil {
		log.Error("failed to persist terminal job state", "status", status, "error", err)
		return err
	}
	if lost {
		cur, err := r.store.GetJob(ctx, msg.JobID)
		if err != nil {
			log.Warn("failed to reload job after losing terminal write", "error", err)
			return r.recompute(ctx, job.BatchID)
		}
		status, errMsg = cur.Status, cur.ErrorMessage
	}
	r.publish(ctx, msg.JobID, job.BatchID, status, errMsg)

	return r.recompute(ctx, job.BatchID)
}

// execute runs the provider calls for one job and returns the assembled text
// with usage summed across calls.
func (r *Runner) execute(ctx context.Context, log *slog.Logger, msg queue.Message) (text string, usage models.Usage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic while executing job", "error", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	provider, err := r.providers.Get(msg.AIModel)
	if err != nil {
		return "", models.Usage{}, err
	}
	tok := provider.Tokenizer()
	limit := provider.ContextLimit(msg.Model)
	plan := r.budgeter.Plan(tok, limit, msg.SystemPrompt, msg.RequestText)

	if plan.Fits {
		c, err := provider.Complete(ctx, models.CompletionRequest{
			Model:        msg.Model,
			SystemPrompt: msg.SystemPrompt,
			UserText:     msg.RequestText,
		})
		if err != nil {
			return "", models.Usage{}, err
		}
		return c.Text, c.Usage, nil
	}

	chunks, err := budget.Split(tok, msg.RequestText, plan.ChunkBudget)
	if err != nil {
		return "", models.Usage{}, err
	}
	framed, err := budget.Frame(tok, chunks, plan.SystemTokens, limit)
	if err != nil {
		return "", models.Usage{}, err
	}
	log.Info("request exceeds budget, splitting",
		"request_tokens", plan.RequestTokens,
		"usable_tokens", plan.Usable,
		"chunk_budget", plan.ChunkBudget,
		"chunks", len(framed),
	)

	parts := make([]string, 0, len(framed))
	for i, part := range framed {
		c, err := provider.Complete(ctx, models.CompletionRequest{
			Model:        msg.Model,
			SystemPrompt: msg.SystemPrompt,
			UserText:     part,
		})
		if err != nil {
			return "", models.Usage{}, fmt.Errorf("part %d of %d: %w", i+1, len(framed), err)
		}
		parts = append(parts, c.Text)
		usage = usage.Add(c.Usage)
		log.Debug("chunk completed", "chunk", i+1, "chunks", len(framed))
	}
	return budget.Assemble(parts), usage, nil
}

// persistTerminal retries the terminal write. A concurrent terminal write by a
// redelivered copy of the same message counts as success and reports lost.
func (r *Runner) persistTerminal(ctx context.Context, jobID, status string, opts ...store.JobUpdateOption) (lost bool, err error) {
	op := func() error {
		err := r.store.UpdateJobStatus(ctx, jobID, status, opts...)
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("retrying terminal job write", "job_id", jobID, "error", err, "wait", wait.String())
	}
	err = backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify)
	if errors.Is(err, store.ErrInvalidTransition) {
		r.logger.Info("job reached terminal state elsewhere", "job_id", jobID)
		return true, nil
	}
	return false, err
}

// recompute refreshes the job's batch on the terminal-write retry schedule.
func (r *Runner) recompute(ctx context.Context, batchID *string) error {
	if batchID == nil || r.recomputer == nil {
		return nil
	}
	op := func() error { return r.recomputer.Recompute(ctx, *batchID) }
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("retrying batch recompute", "batch_id", *batchID, "error", err, "wait", wait.String())
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("recompute batch %s: %w", *batchID, err)
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, jobID string, batchID *string, status string, errMsg *string) {
	if r.status == nil {
		return
	}
	err := r.status.SetJobStatus(ctx, cache.JobStatus{
		JobID:        jobID,
		Status:       status,
		BatchID:      batchID,
		ErrorMessage: errMsg,
	}, cache.JobStatusTTL)
	if err != nil {
		r.logger.Warn("failed to publish job status", "job_id", jobID, "status", status, "error", err)
	}
}
