// Package memstore is an in-memory store.Store used by tests of packages that
// sit above the database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// Store keeps every row in maps guarded by one mutex. Batch locks are
// per-batch mutexes so WithBatchLock serializes like SELECT ... FOR UPDATE.
type Store struct {
	mu        sync.Mutex
	nextID    int64
	templates map[string]*models.PromptTemplate
	jobs      map[string]*models.Job
	batches   map[string]*models.BatchStatus
	locks     map[string]*sync.Mutex

	// FailUpdates makes the next n UpdateJobStatus calls fail.
	FailUpdates int
	PingErr     error
}

func New() *Store {
	return &Store{
		templates: make(map[string]*models.PromptTemplate),
		jobs:      make(map[string]*models.Job),
		batches:   make(map[string]*models.BatchStatus),
		locks:     make(map[string]*sync.Mutex),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(context.Context) error { return s.PingErr }

// --- Prompt templates ---

func (s *Store) CreatePromptTemplate(_ context.Context, t *models.PromptTemplate) error {
	if models.IsReservedPromptName(t.Name) {
		return store.ErrReservedName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.Name]; ok {
		return store.ErrDuplicateKey
	}
	s.nextID++
	now := time.Now().UTC()
	t.ID, t.CreatedAt, t.UpdatedAt = s.nextID, now, now
	c := *t
	s.templates[t.Name] = &c
	return nil
}

func (s *Store) UpsertPromptTemplate(ctx context.Context, t *models.PromptTemplate) error {
	if models.IsReservedPromptName(t.Name) {
		return store.ErrReservedName
	}
	s.mu.Lock()
	existing, ok := s.templates[t.Name]
	if ok {
		existing.Content = t.Content
		existing.Description = t.Description
		existing.IsActive = t.IsActive
		existing.UpdatedAt = time.Now().UTC()
		t.ID, t.CreatedAt, t.UpdatedAt = existing.ID, existing.CreatedAt, existing.UpdatedAt
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.CreatePromptTemplate(ctx, t)
}

func (s *Store) GetPromptTemplate(_ context.Context, name string) (*models.PromptTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *Store) ListPromptTemplates(_ context.Context, filter store.TemplateFilter) ([]*models.PromptTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.PromptTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		if filter.IsActive != nil && t.IsActive != *filter.IsActive {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdatePromptTemplate(_ context.Context, name string, upd store.TemplateUpdate) (*models.PromptTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	if upd.Content != nil {
		t.Content = *upd.Content
	}
	if upd.Description != nil {
		d := *upd.Description
		t.Description = &d
	}
	if upd.IsActive != nil {
		t.IsActive = *upd.IsActive
	}
	t.UpdatedAt = time.Now().UTC()
	c := *t
	return &c, nil
}

func (s *Store) DeletePromptTemplate(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[name]; !ok {
		return store.ErrNotFound
	}
	delete(s.templates, name)
	return nil
}

// --- Jobs ---

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertJobLocked(job)
}

func (s *Store) insertJobLocked(job *models.Job) error {
	if _, ok := s.jobs[job.JobID]; ok {
		return store.ErrDuplicateKey
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	s.nextID++
	job.ID = s.nextID
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) GetJobByID(_ context.Context, id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return cloneJob(j), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && (j.BatchID == nil || *j.BatchID != filter.BatchID) {
			continue
		}
		if filter.ExcludeMerged && j.IsMerged() {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].ID > all[b].ID })

	total := len(all)
	limit, offset := page(filter.Limit, filter.Offset)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	out := make([]*models.Job, 0, end-offset)
	for _, j := range all[offset:end] {
		out = append(out, cloneJob(j))
	}
	return out, total, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, jobID string, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdates > 0 {
		s.FailUpdates--
		return fmt.Errorf("update job status: connection reset")
	}

	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}
	upd := store.ApplyJobUpdate(opts...)
	if status == models.JobStatusFinished && upd.Result == nil {
		return fmt.Errorf("update job status: finished requires a result")
	}

	now := time.Now().UTC()
	j.Status = status
	if status == models.JobStatusStarted {
		j.StartedAt = &now
	}
	if models.IsTerminalJobStatus(status) {
		j.CompletedAt = &now
	}
	if upd.ErrorMessage != nil {
		m := *upd.ErrorMessage
		j.ErrorMessage = &m
	}
	if upd.Result != nil && status == models.JobStatusFinished {
		text := *upd.Result
		pt, ct, tt := upd.Usage.PromptTokens, upd.Usage.CompletionTokens, upd.Usage.TotalTokens
		j.ResultText = &text
		j.PromptTokens, j.CompletionTokens, j.TotalTokens = &pt, &ct, &tt
	}
	return nil
}

// --- Batches ---

func (s *Store) CreateBatchWithJobs(_ context.Context, batch *models.BatchStatus, jobs []*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.BatchID]; ok {
		return store.ErrDuplicateKey
	}
	for _, j := range jobs {
		if _, ok := s.jobs[j.JobID]; ok {
			return store.ErrDuplicateKey
		}
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusProcessing
	}
	c := *batch
	s.batches[batch.BatchID] = &c
	s.locks[batch.BatchID] = &sync.Mutex{}
	for _, j := range jobs {
		if err := s.insertJobLocked(j); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetBatch(_ context.Context, batchID string) (*models.BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *b
	return &c, nil
}

func (s *Store) ListBatches(_ context.Context, filter store.BatchFilter) ([]*models.BatchStatus, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*models.BatchStatus, 0, len(s.batches))
	for _, b := range s.batches {
		c := *b
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	limit, offset := page(filter.Limit, filter.Offset)
	if offset > total {
		offset = total
	}
	return all[offset:min(offset+limit, total)], total, nil
}

func (s *Store) ListBatchJobs(_ context.Context, batchID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchJobsLocked(batchID), nil
}

func (s *Store) batchJobsLocked(batchID string) []*models.Job {
	var out []*models.Job
	for _, j := range s.jobs {
		if j.BatchID != nil && *j.BatchID == batchID && !j.IsMerged() {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].PromptName != out[b].PromptName {
			return out[a].PromptName < out[b].PromptName
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// WithBatchLock stages progress and merged-row writes and applies them only
// when fn returns nil.
func (s *Store) WithBatchLock(ctx context.Context, batchID string, fn func(ctx context.Context, tx store.BatchTx, batch *models.BatchStatus) error) error {
	s.mu.Lock()
	lock, ok := s.locks[batchID]
	s.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	tx := &batchTx{s: s}
	if err := fn(ctx, tx, b); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.progress != nil {
		c := *tx.progress
		cur := s.batches[batchID]
		cur.CompletedJobs, cur.FailedJobs = c.CompletedJobs, c.FailedJobs
		cur.Status, cur.CompletedAt = c.Status, c.CompletedAt
	}
	for _, j := range tx.merged {
		if err := s.insertJobLocked(j); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) MarkCallbackSent(_ context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok || b.CallbackSent || b.Status == models.BatchStatusProcessing {
		return false, nil
	}
	b.CallbackSent = true
	return true, nil
}

type batchTx struct {
	s        *Store
	progress *models.BatchStatus
	merged   []*models.Job
}

func (t *batchTx) ListBatchJobs(_ context.Context, batchID string) ([]*models.Job, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.batchJobsLocked(batchID), nil
}

func (t *batchTx) UpdateBatchProgress(_ context.Context, b *models.BatchStatus) error {
	c := *b
	t.progress = &c
	return nil
}

func (t *batchTx) InsertMergedJob(_ context.Context, job *models.Job) (bool, error) {
	t.s.mu.Lock()
	_, exists := t.s.jobs[job.JobID]
	t.s.mu.Unlock()
	if exists {
		return false, nil
	}
	for _, j := range t.merged {
		if j.JobID == job.JobID {
			return false, nil
		}
	}
	t.merged = append(t.merged, job)
	return true, nil
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func page(limit, offset int) (int, int) {
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
