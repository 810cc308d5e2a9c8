package runner_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/mock"
	"github.com/kiranshivaraju/promptbatch/internal/budget"
	"github.com/kiranshivaraju/promptbatch/internal/cache"
	"github.com/kiranshivaraju/promptbatch/internal/queue"
	"github.com/kiranshivaraju/promptbatch/internal/runner"
	"github.com/kiranshivaraju/promptbatch/internal/store/memstore"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

type recordingRecomputer struct {
	mu        sync.Mutex
	calls     []string
	err       error
	failFirst int
}

func (r *recordingRecomputer) Recompute(_ context.Context, batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, batchID)
	if r.failFirst > 0 {
		r.failFirst--
		return errors.New("could not serialize access")
	}
	return r.err
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []string
}

func (p *recordingPublisher) SetJobStatus(_ context.Context, st cache.JobStatus, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, st.Status)
	return nil
}

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 4)
}

func strPtr(s string) *string { return &s }

func setup(t *testing.T, p *mock.MockProvider, batchID *string) (*memstore.Store, *runner.Runner, *recordingRecomputer, *recordingPublisher) {
	t.Helper()
	st := memstore.New()
	reg, err := ai.NewRegistry(p)
	require.NoError(t, err)
	rec := &recordingRecomputer{}
	pub := &recordingPublisher{}
	r := runner.New(st, reg, budget.New(10),
		runner.WithRecomputer(rec),
		runner.WithStatusPublisher(pub),
		runner.WithTerminalBackOff(fastBackOff),
	)

	job := &models.Job{
		JobID:       "job-1",
		BatchID:     batchID,
		AIModel:     ai.ChatGPT,
		Model:       "gpt-4o",
		PromptName:  "API_DOCS",
		RequestCode: "func main() {}",
	}
	if batchID != nil {
		require.NoError(t, st.CreateBatchWithJobs(context.Background(),
			&models.BatchStatus{BatchID: *batchID, TotalJobs: 1}, []*models.Job{job}))
	} else {
		require.NoError(t, st.CreateJob(context.Background(), job))
	}
	return st, r, rec, pub
}

func message(text string) queue.Message {
	return queue.Message{
		JobID:        "job-1",
		AIModel:      ai.ChatGPT,
		Model:        "gpt-4o",
		PromptName:   "API_DOCS",
		SystemPrompt: "Document this code.",
		RequestText:  text,
	}
}

func TestRun_SingleCall(t *testing.T) {
	p := mock.NewMockProvider()
	st, r, rec, pub := setup(t, p, strPtr("batch-1"))

	require.NoError(t, r.Run(context.Background(), message("func main() {}")))

	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, job.Status)
	require.NotNil(t, job.ResultText)
	assert.Equal(t, "echo: func main() {}", *job.ResultText)
	assert.Equal(t, 15, *job.TotalTokens)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Document this code.", calls[0].SystemPrompt)
	assert.Equal(t, "gpt-4o", calls[0].Model)

	assert.Equal(t, []string{"batch-1"}, rec.calls)
	assert.Equal(t, []string{models.JobStatusStarted, models.JobStatusFinished}, pub.statuses)
}

func TestRun_ChunksOversizedRequest(t *testing.T) {
	p := mock.NewMockProvider()
	p.Limit = 1000
	st, r, _, _ := setup(t, p, nil)

	var lines []string
	for i := 0; i < 400; i++ {
		lines = append(lines, "x := computeSomethingLong(alpha, beta, gamma)")
	}
	text := strings.Join(lines, "\n")

	require.NoError(t, r.Run(context.Background(), message(text)))

	calls := p.Calls()
	require.Greater(t, len(calls), 1)
	n := len(calls)
	var rebuilt strings.Builder
	for i, c := range calls {
		marker := budget.Marker(i+1, n)
		require.True(t, strings.HasPrefix(c.UserText, marker), "call %d missing marker", i)
		rebuilt.WriteString(strings.TrimPrefix(c.UserText, marker))
	}
	assert.Equal(t, text, rebuilt.String())

	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, job.Status)
	assert.Equal(t, 15*n, *job.TotalTokens)
	assert.Equal(t, n-1, strings.Count(*job.ResultText, budget.ChunkSeparator+"echo: "))
}

func TestRun_ProviderFailureMarksFailed(t *testing.T) {
	p := mock.NewFailingProvider(&ai.ProviderError{Provider: ai.ChatGPT, Status: 400, Message: "bad request"})
	st, r, rec, pub := setup(t, p, strPtr("batch-1"))

	require.NoError(t, r.Run(context.Background(), message("func main() {}")))

	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "bad request")
	assert.Nil(t, job.ResultText)
	assert.Equal(t, []string{"batch-1"}, rec.calls)
	assert.Equal(t, models.JobStatusFailed, pub.statuses[len(pub.statuses)-1])
}

func TestRun_UnknownProviderMarksFailed(t *testing.T) {
	p := mock.NewMockProvider()
	st, r, _, _ := setup(t, p, nil)

	msg := message("x")
	msg.AIModel = ai.Sonnet
	require.NoError(t, r.Run(context.Background(), msg))

	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Empty(t, p.Calls())
}

func TestRun_PanicMarksFailed(t *testing.T) {
	p := mock.NewMockProvider()
	p.CompleteFunc = func(context.Context, models.CompletionRequest) (models.Completion, error) {
		panic("boom")
	}
	st, r, _, _ := setup(t, p, nil)

	require.NoError(t, r.Run(context.Background(), message("x")))

	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "panic: boom")
}

func TestRun_TerminalJobIsNotReExecuted(t *testing.T) {
	p := mock.NewMockProvider()
	st, r, rec, _ := setup(t, p, strPtr("batch-1"))
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, message("x")))
	require.NoError(t, r.Run(ctx, message("x")))

	assert.Len(t, p.Calls(), 1)
	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, job.Status)
	assert.Equal(t, []string{"batch-1", "batch-1"}, rec.calls)
}

func TestRun_RetriesTerminalWrite(t *testing.T) {
	p := mock.NewMockProvider()
	st, r, _, _ := setup(t, p, nil)

	// First failure hits the started write, the next two the terminal write.
	st.FailUpdates = 3
	require.NoError(t, r.Run(context.Background(), message("x")))

	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, job.Status)
}

func TestRun_TerminalWriteExhaustedReturnsError(t *testing.T) {
	p := mock.NewMockProvider()
	st, r, rec, _ := setup(t, p, strPtr("batch-1"))

	st.FailUpdates = 100
	err := r.Run(context.Background(), message("x"))
	require.Error(t, err)
	assert.Empty(t, rec.calls)

	st.FailUpdates = 0
	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestRun_RecomputeErrorIsReturned(t *testing.T) {
	p := mock.NewMockProvider()
	_, r, rec, _ := setup(t, p, strPtr("batch-1"))
	rec.err = errors.New("db down")

	err := r.Run(context.Background(), message("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRun_MissingJobRowIsDropped(t *testing.T) {
	p := mock.NewMockProvider()
	_, r, _, _ := setup(t, p, nil)

	msg := message("x")
	msg.JobID = "nope"
	require.NoError(t, r.Run(context.Background(), msg))
	assert.Empty(t, p.Calls())
}

func TestRun_RecomputeIsRetried(t *testing.T) {
	p := mock.NewMockProvider()
	_, r, rec, _ := setup(t, p, strPtr("batch-1"))
	rec.failFirst = 2

	require.NoError(t, r.Run(context.Background(), message("x")))
	assert.Len(t, rec.calls, 3)
}

func TestRun_ChunkTooLargeFailsJob(t *testing.T) {
	p := mock.NewMockProvider()
	p.Limit = 100
	st, r, rec, pub := setup(t, p, strPtr("batch-1"))

	msg := message(strings.Repeat("y", 400))
	msg.SystemPrompt = strings.Repeat("s", 400)
	require.NoError(t, r.Run(context.Background(), msg))

	assert.Empty(t, p.Calls())
	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, budget.ErrChunkTooLarge.Error())
	assert.Nil(t, job.ResultText)
	assert.Equal(t, []string{"batch-1"}, rec.calls)
	assert.Equal(t, models.JobStatusFailed, pub.statuses[len(pub.statuses)-1])
}

func TestRun_LosingDeliveryPublishesStoredStatus(t *testing.T) {
	p := mock.NewMockProvider()
	st, r, _, pub := setup(t, p, strPtr("batch-1"))
	ctx := context.Background()

	calls := 0
	p.CompleteFunc = func(ctx context.Context, req models.CompletionRequest) (models.Completion, error) {
		calls++
		if calls == 1 {
			// A redelivered copy runs to completion while this call is in flight.
			require.NoError(t, r.Run(ctx, message("x")))
			return models.Completion{}, &ai.ProviderError{Provider: ai.ChatGPT, Status: 503, Message: "overloaded"}
		}
		return models.Completion{Text: "done", Usage: models.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}}, nil
	}

	require.NoError(t, r.Run(ctx, message("x")))

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, job.Status)
	assert.Equal(t, "done", *job.ResultText)
	require.NotEmpty(t, pub.statuses)
	assert.Equal(t, models.JobStatusFinished, pub.statuses[len(pub.statuses)-1])
	assert.NotContains(t, pub.statuses, models.JobStatusFailed)
}

// staleStore serves one outdated read of the job, as a delivery racing
// another one would see.
type staleStore struct {
	*memstore.Store
	stale *models.Job
}

func (s *staleStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	if s.stale != nil {
		j := s.stale
		s.stale = nil
		return j, nil
	}
	return s.Store.GetJob(ctx, jobID)
}

func TestRun_SkipsWhenJobFinishedBeforeStart(t *testing.T) {
	p := mock.NewMockProvider()
	st, r, _, _ := setup(t, p, strPtr("batch-1"))
	ctx := context.Background()

	before, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx, message("x")))
	require.Len(t, p.Calls(), 1)

	reg, err := ai.NewRegistry(p)
	require.NoError(t, err)
	rec := &recordingRecomputer{}
	pub := &recordingPublisher{}
	late := runner.New(&staleStore{Store: st, stale: before}, reg, budget.New(10),
		runner.WithRecomputer(rec),
		runner.WithStatusPublisher(pub),
		runner.WithTerminalBackOff(fastBackOff),
	)
	require.NoError(t, late.Run(ctx, message("x")))

	assert.Len(t, p.Calls(), 1)
	assert.Empty(t, pub.statuses)
	assert.Equal(t, []string{"batch-1"}, rec.calls)

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, job.Status)
}
