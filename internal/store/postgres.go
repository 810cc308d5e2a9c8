package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Prompt Templates ---

const templateColumns = `id, name, content, description, is_active, created_at, updated_at`

func scanTemplate(row pgx.Row) (*models.PromptTemplate, error) {
	var t models.PromptTemplate
	if err := row.Scan(&t.ID, &t.Name, &t.Content, &t.Description, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreatePromptTemplate(ctx context.Context, t *models.PromptTemplate) error {
	if models.IsReservedPromptName(t.Name) {
		return ErrReservedName
	}
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prompt_templates (name, content, description, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 RETURNING id, created_at, updated_at`,
		t.Name, t.Content, t.Description, t.IsActive, now,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create prompt template: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertPromptTemplate(ctx context.Context, t *models.PromptTemplate) error {
	if models.IsReservedPromptName(t.Name) {
		return ErrReservedName
	}
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prompt_templates (name, content, description, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (name) DO UPDATE SET
		   content = EXCLUDED.content,
		   description = EXCLUDED.description,
		   is_active = EXCLUDED.is_active,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at`,
		t.Name, t.Content, t.Description, t.IsActive, now,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert prompt template: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPromptTemplate(ctx context.Context, name string) (*models.PromptTemplate, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM prompt_templates WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt template: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListPromptTemplates(ctx context.Context, filter TemplateFilter) ([]*models.PromptTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM prompt_templates`
	var args []any
	if filter.IsActive != nil {
		query += ` WHERE is_active = $1`
		args = append(args, *filter.IsActive)
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompt templates: %w", err)
	}
	defer rows.Close()

	var out []*models.PromptTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePromptTemplate(ctx context.Context, name string, upd TemplateUpdate) (*models.PromptTemplate, error) {
	sets := []string{"updated_at = $2"}
	args := []any{name, time.Now().UTC()}
	argIdx := 3

	if upd.Content != nil {
		sets = append(sets, fmt.Sprintf("content = $%d", argIdx))
		args = append(args, *upd.Content)
		argIdx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", argIdx))
		args = append(args, *upd.Description)
		argIdx++
	}
	if upd.IsActive != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", argIdx))
		args = append(args, *upd.IsActive)
	}

	t, err := scanTemplate(s.pool.QueryRow(ctx,
		`UPDATE prompt_templates SET `+strings.Join(sets, ", ")+
			` WHERE name = $1 RETURNING `+templateColumns, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update prompt template: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) DeletePromptTemplate(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM prompt_templates WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete prompt template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, job_id, batch_id, ai_model, model, prompt_name, request_code, result_text,
	prompt_tokens, completion_tokens, total_tokens, status, error_message, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	if err := row.Scan(&j.ID, &j.JobID, &j.BatchID, &j.AIModel, &j.Model, &j.PromptName, &j.RequestCode,
		&j.ResultText, &j.PromptTokens, &j.CompletionTokens, &j.TotalTokens, &j.Status,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func insertJob(ctx context.Context, q querier, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	err := q.QueryRow(ctx,
		`INSERT INTO jobs (job_id, batch_id, ai_model, model, prompt_name, request_code, result_text,
		   prompt_tokens, completion_tokens, total_tokens, status, error_message, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		job.JobID, job.BatchID, job.AIModel, job.Model, job.PromptName, job.RequestCode, job.ResultText,
		job.PromptTokens, job.CompletionTokens, job.TotalTokens, job.Status, job.ErrorMessage,
		job.CreatedAt, job.CompletedAt,
	).Scan(&job.ID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	return insertJob(ctx, s.pool, job)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.BatchID != "" {
		conditions = append(conditions, fmt.Sprintf("batch_id = $%d", argIdx))
		args = append(args, filter.BatchID)
		argIdx++
	}
	if filter.ExcludeMerged {
		conditions = append(conditions, fmt.Sprintf("(batch_id IS NULL OR job_id <> ($%d || batch_id))", argIdx))
		args = append(args, models.MergedJobPrefix)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs WHERE %s
		 ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// UpdateJobStatus moves a job to status. The transition is checked and applied
// in a single statement so concurrent writers cannot both succeed.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdate(opts...)

	from, ok := validTransitions[status]
	if !ok {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, status)
	}
	if status == models.JobStatusFinished && params.Result == nil {
		return fmt.Errorf("update job status: finished requires a result")
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2`
	args := []any{jobID, status, from}
	argIdx := 4

	if status == models.JobStatusStarted {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.IsTerminalJobStatus(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Result != nil && status == models.JobStatusFinished {
		query += fmt.Sprintf(", result_text = $%d, prompt_tokens = $%d, completion_tokens = $%d, total_tokens = $%d",
			argIdx, argIdx+1, argIdx+2, argIdx+3)
		args = append(args, *params.Result, params.Usage.PromptTokens, params.Usage.CompletionTokens, params.Usage.TotalTokens)
	}

	query += " WHERE job_id = $1 AND status = ANY($3)"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
