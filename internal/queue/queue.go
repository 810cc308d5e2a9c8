// Package queue is an at-least-once work queue on Redis lists.
//
// Producers LPUSH onto the pending list. Each consumer atomically moves one
// message from pending into its own processing list (BLMOVE) and removes it
// once handled (Ack). Messages left in a processing list by a crashed
// consumer are moved back to pending when that consumer starts again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrEmpty is returned by Dequeue when no message arrived before the timeout.
var ErrEmpty = errors.New("queue empty")

// ErrMalformed is returned by Dequeue for a payload that cannot be decoded.
// The payload has already been moved to the dead list.
var ErrMalformed = errors.New("malformed queue message")

// Message is one Job Runner invocation. It is never modified once enqueued.
type Message struct {
	JobID        string            `json:"job_id"`
	BatchID      *string           `json:"batch_id,omitempty"`
	AIModel      string            `json:"ai_model"`
	Model        string            `json:"model"`
	PromptName   string            `json:"prompt_name"`
	SystemPrompt string            `json:"system_prompt"`
	RequestText  string            `json:"request_text"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	Trace        map[string]string `json:"trace,omitempty"`
}

// Context returns ctx carrying the trace context the producer injected.
func (m *Message) Context(ctx context.Context) context.Context {
	if len(m.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.Trace))
}

// Delivery is a dequeued message plus the raw payload needed to Ack it.
type Delivery struct {
	Message
	raw string
}

// Queue is the durable queue used between the API and the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, consumer string, d *Delivery) error
	Recover(ctx context.Context, consumer string) (int, error)
	Len(ctx context.Context) (int64, error)
}

// RedisQueue implements Queue.
type RedisQueue struct {
	client *redis.Client
	name   string
}

// NewRedisQueue creates a queue named name on client.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name}
}

func (q *RedisQueue) pendingKey() string {
	return fmt.Sprintf("queue:%s:pending", q.name)
}

func (q *RedisQueue) processingKey(consumer string) string {
	return fmt.Sprintf("queue:%s:processing:%s", q.name, consumer)
}

func (q *RedisQueue) deadKey() string {
	return fmt.Sprintf("queue:%s:dead", q.name)
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.JobID == "" {
		return fmt.Errorf("enqueue: job_id is required")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		msg.Trace = carrier
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), b).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(consumer), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.JobID == "" {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(consumer), 1, raw)
		pipe.LPush(ctx, q.deadKey(), raw)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return nil, fmt.Errorf("dead-letter malformed message: %w", perr)
		}
		if err == nil {
			err = errors.New("missing job_id")
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Delivery{Message: msg, raw: raw}, nil
}

// Ack removes a handled delivery from the consumer's processing list.
func (q *RedisQueue) Ack(ctx context.Context, consumer string, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(consumer), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.JobID, err)
	}
	return nil
}

// Recover moves everything left in consumer's processing list back to the
// consumer end of pending, oldest first. Returns how many were moved.
func (q *RedisQueue) Recover(ctx context.Context, consumer string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey(consumer), q.pendingKey(), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover: %w", err)
		}
		n++
	}
}

// Len returns the number of pending messages.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey()).Result()
}

var _ Queue = (*RedisQueue)(nil)
