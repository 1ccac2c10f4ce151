package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeStep advances an execution by one scheduling round.
	TaskTypeStep TaskType = "step"
	// TaskTypeResume wakes an execution whose wait timer has elapsed.
	TaskTypeResume TaskType = "resume"
	// TaskTypeInput delivers an inbound message to a waiting execution.
	TaskTypeInput TaskType = "input"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	ExecutionID string

	// For input tasks
	Message     string
	MessageType string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until
	// one is available or the context is cancelled. Tasks with a future
	// NotBefore are held back until they become eligible.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
