package api

import "time"

// Status represents the lifecycle state of a flow execution.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusWaitingTimer Status = "waiting_timer"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal executions are
// never stepped again; duplicate deliveries become no-ops.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Waiting reports whether the execution is durably suspended.
func (s Status) Waiting() bool {
	return s == StatusWaitingTimer || s == StatusWaitingInput
}

// Reserved state keys written by the engine. Flow-authored variables
// should not collide with these.
const (
	StateKeyUserResponse     = "user_response"
	StateKeyUserResponseType = "user_response_type"
	StateKeyLastUserInputAt  = "last_user_input_at"
	StateKeyResumeNode       = "resume_node"
)

// FlowExecution is one traversal of a flow for one contact. It is the
// unit of durable state: the engine persists it after every transition.
type FlowExecution struct {
	ID        string `json:"id"`
	FlowID    string `json:"flow_id"`
	BotID     string `json:"bot_id"`
	ContactID string `json:"contact_id"`

	// CurrentNodeID references a node of the flow definition, or is
	// empty once the execution is terminal.
	CurrentNodeID string `json:"current_node_id"`
	Status        Status `json:"status"`

	// State is the per-execution variable mapping, seeded from the
	// caller-supplied initial state.
	State map[string]any `json:"state"`

	// Error and FailedNodeID describe a failed execution; empty
	// otherwise.
	Error        string `json:"error,omitempty"`
	FailedNodeID string `json:"failed_node_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionFilter selects executions from a store. Zero values mean
// "no filter" for that field.
type ExecutionFilter struct {
	FlowID    string
	ContactID string
	Status    Status

	// UpdatedBefore, if non-zero, limits results to executions not
	// touched since the given instant. Used by maintenance jobs.
	UpdatedBefore time.Time
}
