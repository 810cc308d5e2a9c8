package apiclient_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/promptbatch/internal/api"
	"github.com/kiranshivaraju/promptbatch/internal/api/handler"
	"github.com/kiranshivaraju/promptbatch/internal/apiclient"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/internal/store/memstore"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

// newServer serves the read endpoints over a store holding one batch with
// three jobs: two finished, one failed.
func newServer(t *testing.T, jobs int) (*httptest.Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()

	batchID := "batch-1"
	var rows []*models.Job
	for i := 0; i < jobs; i++ {
		rows = append(rows, &models.Job{
			JobID:      fmt.Sprintf("job-%03d", i),
			BatchID:    &batchID,
			AIModel:    "chatgpt",
			Model:      "gpt-4o",
			PromptName: fmt.Sprintf("PROMPT_%03d", i),
		})
	}
	require.NoError(t, st.CreateBatchWithJobs(ctx, &models.BatchStatus{BatchID: batchID, TotalJobs: jobs}, rows))
	for i, j := range rows {
		require.NoError(t, st.UpdateJobStatus(ctx, j.JobID, models.JobStatusStarted))
		if i == 0 {
			require.NoError(t, st.UpdateJobStatus(ctx, j.JobID, models.JobStatusFailed, store.WithErrorMessage("boom")))
			continue
		}
		require.NoError(t, st.UpdateJobStatus(ctx, j.JobID, models.JobStatusFinished,
			store.WithResult("# "+j.PromptName, models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})))
	}

	router := api.NewRouter(api.Dependencies{
		ListBatchesHandler: handler.NewListBatchesHandler(st),
		GetBatchHandler:    handler.NewGetBatchHandler(st),
		ListJobsHandler:    handler.NewListJobsHandler(st),
		GetResultHandler:   handler.NewGetResultHandler(st),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, st
}

func TestLatestBatch(t *testing.T) {
	srv, _ := newServer(t, 3)
	c := apiclient.New(srv.URL+"/", apiclient.WithBackOff(fastBackOff))

	b, err := c.LatestBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "batch-1", b.BatchID)
	assert.Equal(t, 3, b.TotalJobs)
}

func TestLatestBatch_None(t *testing.T) {
	srv := httptest.NewServer(api.NewRouter(api.Dependencies{
		ListBatchesHandler: handler.NewListBatchesHandler(memstore.New()),
	}))
	defer srv.Close()

	_, err := apiclient.New(srv.URL).LatestBatch(context.Background())
	assert.ErrorIs(t, err, apiclient.ErrNoBatches)
}

func TestGetBatch(t *testing.T) {
	srv, _ := newServer(t, 3)
	c := apiclient.New(srv.URL, apiclient.WithBackOff(fastBackOff))

	d, err := c.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Len(t, d.Jobs, 3)
	assert.Equal(t, "PROMPT_000", d.Jobs[0].PromptName)
	assert.Equal(t, models.JobStatusFailed, d.Jobs[0].Status)
	assert.Nil(t, d.Merged)

	_, err = c.GetBatch(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apiclient.IsNotFound(err))
}

func TestBatchJobs_FollowsPages(t *testing.T) {
	srv, _ := newServer(t, 130)
	c := apiclient.New(srv.URL, apiclient.WithBackOff(fastBackOff))

	jobs, err := c.BatchJobs(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 130)

	finished := 0
	for _, j := range jobs {
		if j.Status == models.JobStatusFinished {
			finished++
			require.NotNil(t, j.ResultText)
		}
	}
	assert.Equal(t, 129, finished)
}

func TestGetResult(t *testing.T) {
	srv, st := newServer(t, 2)
	c := apiclient.New(srv.URL, apiclient.WithBackOff(fastBackOff))

	job, err := st.GetJob(context.Background(), "job-001")
	require.NoError(t, err)

	got, err := c.GetResult(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "# PROMPT_001", *got.ResultText)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"batch_id":"b"}],"meta":{"limit":1,"offset":0,"total":1,"has_next":false}}`))
	}))
	defer srv.Close()

	b, err := apiclient.New(srv.URL, apiclient.WithBackOff(fastBackOff)).LatestBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", b.BatchID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"INVALID_REQUEST","message":"bad"}}`))
	}))
	defer srv.Close()

	_, err := apiclient.New(srv.URL, apiclient.WithBackOff(fastBackOff)).GetBatch(context.Background(), "x")
	var apiErr *apiclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_REQUEST", apiErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := apiclient.New(srv.URL).LatestBatch(ctx)
	require.Error(t, err)
}
