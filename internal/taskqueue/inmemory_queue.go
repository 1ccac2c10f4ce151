package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation backed by a mutex-guarded
// pending list. Unlike a plain channel it honors NotBefore, so timer
// resumes can sit in the queue until they become eligible. It is safe
// for concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	pending []Task
	wake    chan struct{}
}

// NewInMemoryQueue creates a new queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		wake: make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		task, sleep := q.tryClaim()
		if task != nil {
			return task, nil
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryClaim removes and returns the eligible task with the earliest
// NotBefore, or nil plus how long to wait before trying again.
func (q *InMemoryQueue) tryClaim() (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	best := -1
	var nextDue time.Time
	for i, t := range q.pending {
		due := t.NotBefore
		if due.IsZero() {
			due = t.EnqueuedAt
		}
		if due.After(now) {
			if nextDue.IsZero() || due.Before(nextDue) {
				nextDue = due
			}
			continue
		}
		if best == -1 || taskBefore(t, q.pending[best]) {
			best = i
		}
	}

	if best == -1 {
		if nextDue.IsZero() {
			return nil, time.Second
		}
		return nil, time.Until(nextDue)
	}

	task := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	return &task, 0
}

func taskBefore(a, b Task) bool {
	ad, bd := a.NotBefore, b.NotBefore
	if ad.IsZero() {
		ad = a.EnqueuedAt
	}
	if bd.IsZero() {
		bd = b.EnqueuedAt
	}
	if ad.Equal(bd) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return ad.Before(bd)
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
