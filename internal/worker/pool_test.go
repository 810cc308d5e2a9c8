package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/internal/queue"
	"github.com/kiranshivaraju/promptbatch/internal/worker"
)

func cfg(n int) config.WorkerConfig {
	return config.WorkerConfig{Concurrency: n, ID: "w", DequeueTimeout: 10 * time.Millisecond}
}

func runUntil(t *testing.T, p *worker.Pool, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, done, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(ctx, queue.Message{JobID: id}))
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	h := worker.HandlerFunc(func(_ context.Context, msg queue.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.JobID] = true
		return nil
	})

	p := worker.NewPool(q, h, cfg(2), nil)
	runUntil(t, p, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	})

	assert.Zero(t, q.InFlight(p.ConsumerName(1)))
	assert.Zero(t, q.InFlight(p.ConsumerName(2)))
}

func TestPool_HandlerErrorLeavesMessageUnacked(t *testing.T) {
	q := queue.NewMemoryQueue()
	require.NoError(t, q.Enqueue(context.Background(), queue.Message{JobID: "a"}))

	var calls atomic.Int32
	h := worker.HandlerFunc(func(context.Context, queue.Message) error {
		calls.Add(1)
		return errors.New("store unavailable")
	})

	p := worker.NewPool(q, h, cfg(1), nil)
	runUntil(t, p, func() bool { return calls.Load() == 1 })
	assert.Equal(t, 1, q.InFlight(p.ConsumerName(1)))

	// A restarted consumer picks the message up again.
	var redelivered atomic.Int32
	p2 := worker.NewPool(q, worker.HandlerFunc(func(context.Context, queue.Message) error {
		redelivered.Add(1)
		return nil
	}), cfg(1), nil)
	runUntil(t, p2, func() bool { return redelivered.Load() == 1 })
	assert.Zero(t, q.InFlight(p2.ConsumerName(1)))
}

func TestPool_PanicIsContained(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.Message{JobID: "boom"}))
	require.NoError(t, q.Enqueue(ctx, queue.Message{JobID: "ok"}))

	var ok atomic.Bool
	h := worker.HandlerFunc(func(_ context.Context, msg queue.Message) error {
		if msg.JobID == "boom" {
			panic("handler exploded")
		}
		ok.Store(true)
		return nil
	})

	p := worker.NewPool(q, h, cfg(1), nil)
	runUntil(t, p, ok.Load)
}

func TestPool_InFlightJobSurvivesShutdown(t *testing.T) {
	q := queue.NewMemoryQueue()
	require.NoError(t, q.Enqueue(context.Background(), queue.Message{JobID: "slow"}))

	started := make(chan struct{})
	var jobErr atomic.Value
	h := worker.HandlerFunc(func(ctx context.Context, _ queue.Message) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			jobErr.Store(ctx.Err())
		}
		return nil
	})

	p := worker.NewPool(q, h, cfg(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-errCh)
	assert.Nil(t, jobErr.Load())
	assert.Zero(t, q.InFlight(p.ConsumerName(1)))
}
