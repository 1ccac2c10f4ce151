package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/botflow/pkg/api"
)

var (
	// ErrFlowNotFound is returned when a flow definition is not found.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrExecutionNotFound is returned when an execution is not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrContactNotFound is returned when a contact is not found.
	ErrContactNotFound = errors.New("contact not found")

	// ErrTriggerNotFound is returned when a trigger is not found.
	ErrTriggerNotFound = errors.New("trigger not found")
)

// FlowStore handles storage of flow definitions. Definitions are
// written by the authoring subsystem; the engine only reads them.
type FlowStore interface {
	SaveFlow(ctx context.Context, def api.FlowDefinition) error
	GetFlow(ctx context.Context, id string) (api.FlowDefinition, error)
}

// ExecutionStore handles storage of flow executions, including the
// execution-scoped lease that serialises steps.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *api.FlowExecution) error
	UpdateExecution(ctx context.Context, exec *api.FlowExecution) error
	GetExecution(ctx context.Context, id string) (*api.FlowExecution, error)
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.FlowExecution, error)

	// ActiveExecutionForContact returns the contact's live execution
	// (any non-terminal status), or ErrExecutionNotFound.
	ActiveExecutionForContact(ctx context.Context, contactID string) (*api.FlowExecution, error)

	// DeleteTerminalBefore removes completed/failed/cancelled
	// executions last updated before cutoff, returning the count.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an
	// execution. If the execution is currently leased by another owner
	// and the lease has not expired, it returns acquired=false, err=nil.
	// If the execution does not exist, it returns ErrExecutionNotFound
	// rather than acquired=false, so callers can tell a conflict from a
	// missing record.
	//
	// Implementations treat a lease owned by the same owner as
	// re-entrant.
	TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner'.
	RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is
	// idempotent.
	ReleaseLease(ctx context.Context, executionID, owner string) error
}

// ContactStore handles storage of contact records.
type ContactStore interface {
	SaveContact(ctx context.Context, c *api.Contact) error
	GetContact(ctx context.Context, id string) (*api.Contact, error)
	GetContactByPhone(ctx context.Context, phone string) (*api.Contact, error)
}

// AttributeStore is the contact attribute bag: key unique per contact,
// upsert semantics, last write wins.
type AttributeStore interface {
	SetAttribute(ctx context.Context, attr api.ContactAttribute) error
	GetAttribute(ctx context.Context, contactID, key string) (api.ContactAttribute, bool, error)
	ListAttributes(ctx context.Context, contactID string) (map[string]api.ContactAttribute, error)
}

// TriggerStore handles storage of triggers. The matcher only reads
// active ones.
type TriggerStore interface {
	SaveTrigger(ctx context.Context, t api.Trigger) error
	GetTrigger(ctx context.Context, id string) (api.Trigger, error)

	// ListActiveTriggers returns the bot's active triggers of the given
	// type, in creation order. An empty type means all types.
	ListActiveTriggers(ctx context.Context, botID string, triggerType api.TriggerType) ([]api.Trigger, error)
}

// ExecutionLogStore is the append-only history store for executions.
type ExecutionLogStore interface {
	AppendExecutionLog(ctx context.Context, entry api.ExecutionLogEntry) error
	ListExecutionLog(ctx context.Context, executionID string) ([]api.ExecutionLogEntry, error)
}

// TriggerLogStore is the append-only record of trigger match attempts.
type TriggerLogStore interface {
	AppendTriggerLog(ctx context.Context, entry api.TriggerLogEntry) error
	ListTriggerLog(ctx context.Context, triggerID string) ([]api.TriggerLogEntry, error)
}

// NoopExecutionLogStore discards execution history.
type NoopExecutionLogStore struct{}

func (NoopExecutionLogStore) AppendExecutionLog(ctx context.Context, entry api.ExecutionLogEntry) error {
	return nil
}

func (NoopExecutionLogStore) ListExecutionLog(ctx context.Context, executionID string) ([]api.ExecutionLogEntry, error) {
	return nil, nil
}

// NoopTriggerLogStore discards trigger match history.
type NoopTriggerLogStore struct{}

func (NoopTriggerLogStore) AppendTriggerLog(ctx context.Context, entry api.TriggerLogEntry) error {
	return nil
}

func (NoopTriggerLogStore) ListTriggerLog(ctx context.Context, triggerID string) ([]api.TriggerLogEntry, error) {
	return nil, nil
}

// Stores bundles everything the engine and matcher persist through.
type Stores struct {
	Flows        FlowStore
	Executions   ExecutionStore
	Contacts     ContactStore
	Attributes   AttributeStore
	Triggers     TriggerStore
	ExecutionLog ExecutionLogStore
	TriggerLog   TriggerLogStore
}
