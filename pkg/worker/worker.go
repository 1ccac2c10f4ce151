// Package worker drains the task queue and drives the engine.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/botflow/internal/taskqueue"
	"github.com/petrijr/botflow/pkg/api"
)

// retryDelay spaces out redelivery after a lease conflict.
const retryDelay = 100 * time.Millisecond

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
}

// New creates a new Worker.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return &Worker{
		engine: engine,
		queue:  queue,
	}
}

// EnqueueStep enqueues a task to advance an execution.
func (w *Worker) EnqueueStep(ctx context.Context, executionID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:          uuid.NewString(),
		Type:        taskqueue.TaskTypeStep,
		ExecutionID: executionID,
		EnqueuedAt:  time.Now(),
	})
}

// EnqueueResumeAt enqueues a timer resume that becomes eligible no
// earlier than 'at'.
func (w *Worker) EnqueueResumeAt(ctx context.Context, executionID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:          uuid.NewString(),
		Type:        taskqueue.TaskTypeResume,
		ExecutionID: executionID,
		EnqueuedAt:  time.Now(),
		NotBefore:   at,
	})
}

// EnqueueInput enqueues delivery of an inbound message to a waiting
// execution.
func (w *Worker) EnqueueInput(ctx context.Context, executionID, message, messageType string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:          uuid.NewString(),
		Type:        taskqueue.TaskTypeInput,
		ExecutionID: executionID,
		Message:     message,
		MessageType: messageType,
		EnqueuedAt:  time.Now(),
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false, err != nil: no task obtained (context cancelled
//     or dequeue failure)
//   - processed == true: a task was consumed; err reports a handler
//     failure that is not absorbed by redelivery semantics.
//
// Lease conflicts re-enqueue the task with a short delay. An
// ErrInvalidTransition from a resume or input task means the execution
// moved on before the task was delivered (the user replied before a
// timer fired, or a duplicate was delivered); the task is dropped.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	err = w.dispatch(ctx, task)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, api.ErrConcurrentStep):
		task.Attempts++
		task.NotBefore = time.Now().Add(retryDelay)
		return true, w.queue.Enqueue(ctx, *task)
	case errors.Is(err, api.ErrInvalidTransition):
		return true, nil
	case errors.Is(err, api.ErrExecutionNotFound):
		// Cleaned up while the task sat in the queue.
		return true, nil
	default:
		return true, err
	}
}

func (w *Worker) dispatch(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeStep:
		_, err := w.engine.Step(ctx, task.ExecutionID)
		return err
	case taskqueue.TaskTypeResume:
		_, err := w.engine.Resume(ctx, task.ExecutionID)
		return err
	case taskqueue.TaskTypeInput:
		_, err := w.engine.HandleInput(ctx, task.ExecutionID, task.Message, task.MessageType)
		return err
	default:
		return errors.New("unknown task type: " + string(task.Type))
	}
}

// QueueScheduler adapts a task queue to the engine's Scheduler port.
type QueueScheduler struct {
	queue taskqueue.Queue
}

// NewQueueScheduler wraps a queue as a Scheduler.
func NewQueueScheduler(queue taskqueue.Queue) *QueueScheduler {
	return &QueueScheduler{queue: queue}
}

var _ api.Scheduler = (*QueueScheduler)(nil)

func (s *QueueScheduler) ScheduleStep(ctx context.Context, executionID string) error {
	return s.queue.Enqueue(ctx, taskqueue.Task{
		ID:          uuid.NewString(),
		Type:        taskqueue.TaskTypeStep,
		ExecutionID: executionID,
		EnqueuedAt:  time.Now(),
	})
}

func (s *QueueScheduler) ScheduleResume(ctx context.Context, executionID string, at time.Time) error {
	return s.queue.Enqueue(ctx, taskqueue.Task{
		ID:          uuid.NewString(),
		Type:        taskqueue.TaskTypeResume,
		ExecutionID: executionID,
		EnqueuedAt:  time.Now(),
		NotBefore:   at,
	})
}
