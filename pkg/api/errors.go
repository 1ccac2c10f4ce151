package api

import (
	"errors"
	"fmt"
)

// Named errors surfaced by the engine. Callers match with errors.Is.
var (
	// ErrInvalidFlow indicates a malformed flow definition: no nodes,
	// an unresolvable entry node, bad node config or a dangling edge.
	ErrInvalidFlow = errors.New("invalid flow")

	// ErrFlowNotFound indicates the referenced flow definition does not
	// exist or is inactive.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrExecutionNotFound indicates no execution exists for the id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrConcurrentStep indicates another step, resume, input delivery
	// or cancel is already in flight for the execution. Callers should
	// back off and retry; the at-least-once runner redelivers.
	ErrConcurrentStep = errors.New("concurrent step conflict")

	// ErrInvalidTransition indicates the requested operation is not
	// valid from the execution's current status, e.g. delivering input
	// to an execution that is waiting on a timer.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidDuration indicates a wait node with a non-positive
	// duration. Caught at flow load.
	ErrInvalidDuration = errors.New("invalid duration")

	// ErrWebhookExhausted indicates a webhook_action ran out of retry
	// attempts; the execution transitions to failed.
	ErrWebhookExhausted = errors.New("webhook retries exhausted")

	// ErrInvalidValueType indicates a set_attribute value that cannot
	// be coerced to its declared value_type.
	ErrInvalidValueType = errors.New("invalid value type")
)

// NodeError wraps a node-level failure with the failing node's identity
// so failures are diagnosable without re-running the flow.
type NodeError struct {
	NodeID   string
	NodeType NodeType
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
