package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same delivery semantics as
// RedisQueue. It does not survive restarts and backs tests and single-process
// development runs.
type MemoryQueue struct {
	mu         sync.Mutex
	seq        int
	pending    []*Delivery
	processing map[string][]*Delivery
	signal     chan struct{}

	// EnqueueErr, when set, is returned by every Enqueue call.
	EnqueueErr error
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		processing: make(map[string][]*Delivery),
		signal:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg Message) error {
	if msg.JobID == "" {
		return fmt.Errorf("enqueue: job_id is required")
	}
	q.mu.Lock()
	if q.EnqueueErr != nil {
		q.mu.Unlock()
		return fmt.Errorf("enqueue: %w", q.EnqueueErr)
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	q.seq++
	q.pending = append(q.pending, &Delivery{Message: msg, raw: strconv.Itoa(q.seq)})
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			d := q.pending[0]
			q.pending = q.pending[1:]
			q.processing[consumer] = append(q.processing[consumer], d)
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue: %w", ctx.Err())
		case <-timer.C:
			return nil, ErrEmpty
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, consumer string, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.processing[consumer]
	for i, p := range list {
		if p.raw == d.raw {
			q.processing[consumer] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Recover(_ context.Context, consumer string) (int, error) {
	q.mu.Lock()
	list := q.processing[consumer]
	delete(q.processing, consumer)
	q.pending = append(append([]*Delivery{}, list...), q.pending...)
	q.mu.Unlock()
	if len(list) > 0 {
		q.wake()
	}
	return len(list), nil
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

// InFlight returns how many deliveries consumer holds unacknowledged.
func (q *MemoryQueue) InFlight(consumer string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing[consumer])
}

// Messages returns a copy of the pending messages in delivery order.
func (q *MemoryQueue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.pending))
	for i, d := range q.pending {
		out[i] = d.Message
	}
	return out
}

var _ Queue = (*MemoryQueue)(nil)
