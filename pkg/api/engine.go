package api

import (
	"context"
	"time"
)

// Engine is the per-contact flow execution state machine.
//
// All operations on a single execution id are mutually exclusive: the
// engine takes an execution-scoped lease before loading state and
// releases it after persisting, so exactly one Step, Resume,
// HandleInput or Cancel is in flight at a time. A call that loses the
// race fails fast with ErrConcurrentStep instead of blocking.
type Engine interface {
	// Start validates the flow, creates an execution at its entry node
	// and runs or schedules its first step. If the contact already has
	// a live execution, that execution is returned instead of starting
	// a second one.
	Start(ctx context.Context, flowID, contactID string, initialState map[string]any) (*FlowExecution, error)

	// Step is the unit of work dispatched by the scheduling runner. It
	// executes nodes until the execution suspends or terminates. Step
	// is an idempotent no-op on terminal or suspended executions, which
	// absorbs at-least-once redelivery from the runner.
	Step(ctx context.Context, executionID string) (*FlowExecution, error)

	// Resume re-enters a waiting_timer execution after its timer fires.
	// Any other status fails with ErrInvalidTransition.
	Resume(ctx context.Context, executionID string) (*FlowExecution, error)

	// HandleInput delivers an inbound message to a waiting_input
	// execution, merging it into state under the reserved user_response
	// keys. Any other status fails with ErrInvalidTransition.
	HandleInput(ctx context.Context, executionID, message, messageType string) (*FlowExecution, error)

	// Cancel terminates a non-terminal execution. Cancelling an already
	// terminal execution is a no-op.
	Cancel(ctx context.Context, executionID string) (*FlowExecution, error)

	// GetExecution returns an execution by id, terminal or not.
	GetExecution(ctx context.Context, executionID string) (*FlowExecution, error)

	// ListExecutions returns executions matching the filter.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*FlowExecution, error)

	// ExecutionLog returns the append-only history of an execution in
	// chronological order.
	ExecutionLog(ctx context.Context, executionID string) ([]ExecutionLogEntry, error)
}

// Scheduler is the engine's port onto the external task runner. The
// runner guarantees at-least-once invocation; the engine's idempotency
// guard at Step entry absorbs duplicates.
type Scheduler interface {
	// ScheduleStep asks the runner to invoke Step for the execution as
	// soon as possible.
	ScheduleStep(ctx context.Context, executionID string) error

	// ScheduleResume asks the runner to invoke Resume for the execution
	// no earlier than at. Used by wait nodes.
	ScheduleResume(ctx context.Context, executionID string, at time.Time) error
}

// Maintainer holds the housekeeping operations run by periodic jobs.
// Implemented by the engine alongside Engine.
type Maintainer interface {
	// CleanupOldExecutions deletes terminal executions last touched
	// before cutoff and returns how many were removed.
	CleanupOldExecutions(ctx context.Context, cutoff time.Time) (int, error)

	// TimeoutStaleExecutions fails running or waiting executions last
	// touched before cutoff and returns how many were failed.
	TimeoutStaleExecutions(ctx context.Context, cutoff time.Time) (int, error)
}
