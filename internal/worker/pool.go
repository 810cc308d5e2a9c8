// Package worker runs a pool of queue consumers, each processing one job at a
// time to completion.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/internal/queue"
)

// Handler processes one message. A non-nil error leaves the message
// unacknowledged.
type Handler interface {
	Run(ctx context.Context, msg queue.Message) error
}

type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Run(ctx context.Context, msg queue.Message) error { return f(ctx, msg) }

const errorPause = time.Second

// Pool is a fixed set of consumers sharing one queue.
type Pool struct {
	queue       queue.Queue
	handler     Handler
	id          string
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

func NewPool(q queue.Queue, h Handler, cfg config.WorkerConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.Concurrency
	if n < 1 {
		n = 1
	}
	timeout := cfg.DequeueTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Pool{
		queue:       q,
		handler:     h,
		id:          cfg.ID,
		concurrency: n,
		timeout:     timeout,
		logger:      logger.With("component", "worker"),
	}
}

// ConsumerName returns the processing-list owner for consumer i. It must be
// stable across restarts so leftovers are recovered.
func (p *Pool) ConsumerName(i int) string {
	return fmt.Sprintf("%s-%d", p.id, i)
}

// Run blocks until ctx is cancelled and every in-flight job has finished.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool", "worker_id", p.id, "concurrency", p.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.concurrency; i++ {
		consumer := p.ConsumerName(i)
		g.Go(func() error {
			return p.consume(gctx, consumer)
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped", "worker_id", p.id)
	return err
}

func (p *Pool) consume(ctx context.Context, consumer string) error {
	log := p.logger.With("consumer", consumer)

	n, err := p.queue.Recover(ctx, consumer)
	if err != nil {
		return fmt.Errorf("recover %s: %w", consumer, err)
	}
	if n > 0 {
		log.Warn("requeued unacknowledged messages", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := p.queue.Dequeue(ctx, consumer, p.timeout)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrEmpty):
			continue
		case errors.Is(err, queue.ErrMalformed):
			log.Warn("dropped malformed message", "error", err)
			continue
		case ctx.Err() != nil:
			return nil
		default:
			log.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorPause):
			}
			continue
		}

		p.handle(ctx, log, consumer, d)
	}
}

// handle runs one delivery. Shutdown does not interrupt a job that has begun.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, consumer string, d *queue.Delivery) {
	jobCtx := context.WithoutCancel(ctx)
	log = log.With("job_id", d.JobID)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return p.handler.Run(jobCtx, d.Message)
	}()
	if err != nil {
		log.Error("job not acknowledged, it will be redelivered when this consumer restarts", "error", err)
		return
	}
	if err := p.queue.Ack(jobCtx, consumer, d); err != nil {
		log.Error("ack failed", "error", err)
	}
}
