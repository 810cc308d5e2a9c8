package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const batchColumns = `batch_id, total_jobs, completed_jobs, failed_jobs, status, callback_url, callback_sent, created_at, completed_at`

func scanBatch(row pgx.Row) (*models.BatchStatus, error) {
	var b models.BatchStatus
	if err := row.Scan(&b.BatchID, &b.TotalJobs, &b.CompletedJobs, &b.FailedJobs, &b.Status,
		&b.CallbackURL, &b.CallbackSent, &b.CreatedAt, &b.CompletedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CreateBatchWithJobs(ctx context.Context, batch *models.BatchStatus, jobs []*models.Job) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusProcessing
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO batch_status (batch_id, total_jobs, completed_jobs, failed_jobs, status, callback_url, callback_sent, created_at)
			 VALUES ($1, $2, 0, 0, $3, $4, FALSE, $5)`,
			batch.BatchID, batch.TotalJobs, batch.Status, batch.CallbackURL, batch.CreatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create batch: %w", err)
		}
		for _, j := range jobs {
			if err := insertJob(ctx, tx, j); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*models.BatchStatus, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batch_status WHERE batch_id = $1`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]*models.BatchStatus, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM batch_status`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count batches: %w", err)
	}

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batch_status ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*models.BatchStatus
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func listBatchJobs(ctx context.Context, q querier, batchID string) ([]*models.Job, error) {
	rows, err := q.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 AND job_id <> $2 ORDER BY prompt_name, id`,
		batchID, models.MergedJobID(batchID))
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ListBatchJobs(ctx context.Context, batchID string) ([]*models.Job, error) {
	return listBatchJobs(ctx, s.pool, batchID)
}

func (s *PostgresStore) WithBatchLock(ctx context.Context, batchID string, fn func(ctx context.Context, tx BatchTx, batch *models.BatchStatus) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := scanBatch(tx.QueryRow(ctx,
			`SELECT `+batchColumns+` FROM batch_status WHERE batch_id = $1 FOR UPDATE`, batchID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock batch: %w", err)
		}
		return fn(ctx, &pgBatchTx{tx: tx}, b)
	})
}

func (s *PostgresStore) MarkCallbackSent(ctx context.Context, batchID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_status SET callback_sent = TRUE
		 WHERE batch_id = $1 AND callback_sent = FALSE AND status <> $2`,
		batchID, models.BatchStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark callback sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// pgBatchTx implements BatchTx on an open transaction.
type pgBatchTx struct {
	tx pgx.Tx
}

func (t *pgBatchTx) ListBatchJobs(ctx context.Context, batchID string) ([]*models.Job, error) {
	return listBatchJobs(ctx, t.tx, batchID)
}

func (t *pgBatchTx) UpdateBatchProgress(ctx context.Context, b *models.BatchStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE batch_status SET completed_jobs = $2, failed_jobs = $3, status = $4, completed_at = $5
		 WHERE batch_id = $1`,
		b.BatchID, b.CompletedJobs, b.FailedJobs, b.Status, b.CompletedAt)
	if err != nil {
		return fmt.Errorf("update batch progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgBatchTx) InsertMergedJob(ctx context.Context, job *models.Job) (bool, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO jobs (job_id, batch_id, ai_model, model, prompt_name, request_code, result_text,
		   prompt_tokens, completion_tokens, total_tokens, status, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (job_id) DO NOTHING
		 RETURNING id`,
		job.JobID, job.BatchID, job.AIModel, job.Model, job.PromptName, job.RequestCode, job.ResultText,
		job.PromptTokens, job.CompletionTokens, job.TotalTokens, job.Status, job.CreatedAt, job.CompletedAt,
	).Scan(&job.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert merged job: %w", err)
	}
	return true, nil
}
