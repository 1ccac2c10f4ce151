package api

import "time"

// ExecutionEventType identifies an execution history event.
type ExecutionEventType string

const (
	ExecEventStarted   ExecutionEventType = "execution.started"
	ExecEventResumed   ExecutionEventType = "execution.resumed"
	ExecEventInput     ExecutionEventType = "execution.input"
	ExecEventWaiting   ExecutionEventType = "execution.waiting"
	ExecEventCompleted ExecutionEventType = "execution.completed"
	ExecEventFailed    ExecutionEventType = "execution.failed"
	ExecEventCancelled ExecutionEventType = "execution.cancelled"

	ExecEventNodeExecuted ExecutionEventType = "node.executed"
	ExecEventNodeFailed   ExecutionEventType = "node.failed"
	ExecEventNodeRetried  ExecutionEventType = "node.retried"
)

// ExecutionLogEntry is one append-only history record for an execution.
// Entries exist for audit/debugging and are never read back by the
// interpreter. Keep Detail low-volume: no large payloads.
type ExecutionLogEntry struct {
	ExecutionID string
	NodeID      string
	Event       ExecutionEventType
	At          time.Time
	Detail      string
}

// TriggerLogEntry records one trigger matching attempt and its outcome,
// successful or not.
type TriggerLogEntry struct {
	TriggerID string
	BotID     string
	EventType EventType
	ContactID string
	Matched   bool
	At        time.Time

	// Detail holds the matched keyword or a short failure reason.
	Detail string
}
