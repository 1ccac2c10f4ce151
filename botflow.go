package botflow

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/botflow/internal/engine"
	"github.com/petrijr/botflow/internal/persistence"
	"github.com/petrijr/botflow/internal/trigger"
	"github.com/petrijr/botflow/pkg/api"
	"github.com/petrijr/botflow/pkg/channel"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine           = api.Engine
	Scheduler        = api.Scheduler
	Maintainer       = api.Maintainer
	FlowDefinition   = api.FlowDefinition
	Node             = api.Node
	NodeType         = api.NodeType
	FlowExecution    = api.FlowExecution
	ExecutionFilter  = api.ExecutionFilter
	Status           = api.Status
	Contact          = api.Contact
	ContactAttribute = api.ContactAttribute
	Trigger          = api.Trigger
	TriggerType      = api.TriggerType
	TriggerMatch     = api.TriggerMatch
	Event            = api.Event
	EventType        = api.EventType

	KeywordTriggerConfig  = api.KeywordTriggerConfig
	EventTriggerConfig    = api.EventTriggerConfig
	ScheduleTriggerConfig = api.ScheduleTriggerConfig

	Observer          = api.Observer
	LoggingObserver   = api.LoggingObserver
	BasicMetrics      = api.BasicMetrics
	CompositeObserver = api.CompositeObserver
	NoopObserver      = api.NoopObserver

	Message    = channel.Message
	Dispatcher = channel.Dispatcher
)

// Re-export common helpers.

var (
	ParseFlow            = api.ParseFlow
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	// TestKeywordTrigger and TestEventTrigger dry-run a trigger against
	// sample input without logging. Authoring tools use these to preview
	// whether a trigger would fire.
	TestKeywordTrigger = trigger.TestKeyword
	TestEventTrigger   = trigger.TestEvent
)

// Re-export enum values for convenience.

const (
	StatusPending      = api.StatusPending
	StatusRunning      = api.StatusRunning
	StatusWaitingTimer = api.StatusWaitingTimer
	StatusWaitingInput = api.StatusWaitingInput
	StatusCompleted    = api.StatusCompleted
	StatusFailed       = api.StatusFailed
	StatusCancelled    = api.StatusCancelled

	TriggerKeyword  = api.TriggerKeyword
	TriggerEvent    = api.TriggerEvent
	TriggerSchedule = api.TriggerSchedule

	EventMessage   = api.EventMessage
	EventScheduled = api.EventScheduled
)

// Re-export engine errors for errors.Is matching.

var (
	ErrInvalidFlow       = api.ErrInvalidFlow
	ErrFlowNotFound      = api.ErrFlowNotFound
	ErrExecutionNotFound = api.ErrExecutionNotFound
	ErrConcurrentStep    = api.ErrConcurrentStep
	ErrInvalidTransition = api.ErrInvalidTransition
	ErrWebhookExhausted  = api.ErrWebhookExhausted
	ErrInvalidValueType  = api.ErrInvalidValueType
)

// Options tunes an engine built by the New*Engine constructors. The
// zero value is usable: messages are dropped, steps run synchronously
// and webhooks retry with defaults.
type Options struct {
	// Channel dispatches outbound messages to the messaging provider.
	Channel channel.Dispatcher

	// Scheduler hands step/resume work to an external runner. Nil means
	// Start runs the first step synchronously; pair with a LocalRunner
	// or worker.QueueScheduler for async operation.
	Scheduler api.Scheduler

	Observer api.Observer

	// HTTPClient is used by webhook_action nodes.
	HTTPClient *http.Client

	LeaseTTL           time.Duration
	WebhookMaxAttempts int
	WebhookBackoff     time.Duration
}

// Runtime bundles the engine with the stores it runs on, exposing the
// authoring surface (flows, triggers, contacts) and event delivery.
type Runtime struct {
	Engine     api.Engine
	Maintainer api.Maintainer
	Matcher    *trigger.Matcher

	stores persistence.Stores
}

func newRuntime(stores persistence.Stores, opts Options) *Runtime {
	eng, maint := engine.NewMaintainer(engine.Config{
		Stores:             stores,
		Channel:            opts.Channel,
		Scheduler:          opts.Scheduler,
		Observer:           opts.Observer,
		HTTPClient:         opts.HTTPClient,
		LeaseTTL:           opts.LeaseTTL,
		WebhookMaxAttempts: opts.WebhookMaxAttempts,
		WebhookBackoff:     opts.WebhookBackoff,
	})
	return &Runtime{
		Engine:     eng,
		Maintainer: maint,
		Matcher:    trigger.NewMatcher(stores.Triggers, stores.TriggerLog),
		stores:     stores,
	}
}

// NewInMemoryEngine returns a Runtime backed entirely by in-memory
// stores. Intended for tests and single-process deployments.
func NewInMemoryEngine(opts Options) *Runtime {
	mem := persistence.NewInMemoryStore()
	return newRuntime(mem.Stores(), opts)
}

// NewSQLiteEngine returns a Runtime that persists executions, contacts,
// attributes and history in SQLite. Flow and trigger definitions are
// kept in memory; register them at startup.
func NewSQLiteEngine(db *sql.DB, opts Options) (*Runtime, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	logs, err := persistence.NewSQLiteLogStore(db)
	if err != nil {
		return nil, err
	}
	mem := persistence.NewInMemoryStore()
	return newRuntime(persistence.Stores{
		Flows:        mem,
		Executions:   store,
		Contacts:     store,
		Attributes:   store,
		Triggers:     mem,
		ExecutionLog: logs,
		TriggerLog:   logs,
	}, opts), nil
}

// NewRedisEngine returns a Runtime that persists executions and
// attributes in Redis, using Redis leases for execution mutual
// exclusion across processes. Flow and trigger definitions, contacts
// and history stay in memory.
func NewRedisEngine(client *redis.Client, opts Options) *Runtime {
	store := persistence.NewRedisStore(client, "botflow:")
	mem := persistence.NewInMemoryStore()
	return newRuntime(persistence.Stores{
		Flows:        mem,
		Executions:   store,
		Contacts:     mem,
		Attributes:   store,
		Triggers:     mem,
		ExecutionLog: mem,
		TriggerLog:   mem,
	}, opts)
}

// RegisterFlow validates and stores a flow definition.
func (r *Runtime) RegisterFlow(ctx context.Context, def FlowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return r.stores.Flows.SaveFlow(ctx, def)
}

// Flow returns a registered flow definition.
func (r *Runtime) Flow(ctx context.Context, id string) (FlowDefinition, error) {
	return r.stores.Flows.GetFlow(ctx, id)
}

// RegisterTrigger validates and stores a trigger.
func (r *Runtime) RegisterTrigger(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return r.stores.Triggers.SaveTrigger(ctx, t)
}

// SaveContact upserts a contact.
func (r *Runtime) SaveContact(ctx context.Context, c *Contact) error {
	return r.stores.Contacts.SaveContact(ctx, c)
}

// ContactByPhone resolves a contact from a phone number.
func (r *Runtime) ContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	return r.stores.Contacts.GetContactByPhone(ctx, phone)
}

// Attributes returns a contact's attribute bag.
func (r *Runtime) Attributes(ctx context.Context, contactID string) (map[string]ContactAttribute, error) {
	return r.stores.Attributes.ListAttributes(ctx, contactID)
}

// TriggerLog returns the matching history of a trigger.
func (r *Runtime) TriggerLog(ctx context.Context, triggerID string) ([]api.TriggerLogEntry, error) {
	return r.stores.TriggerLog.ListTriggerLog(ctx, triggerID)
}

// DeliverEvent routes one inbound event. A message addressed to a
// contact whose execution is awaiting input is delivered to that
// execution; otherwise the event is matched against triggers and the
// first match starts its flow. Returns the affected execution, or nil
// when nothing matched.
func (r *Runtime) DeliverEvent(ctx context.Context, ev Event) (*FlowExecution, error) {
	if ev.Type == api.EventMessage && ev.ContactID != "" {
		if exec, err := r.stores.Executions.ActiveExecutionForContact(ctx, ev.ContactID); err == nil {
			if exec.Status == api.StatusWaitingInput {
				return r.Engine.HandleInput(ctx, exec.ID, ev.Text, "text")
			}
			// The contact is mid-flow but not listening; don't start a
			// competing execution on top of it.
			return exec, nil
		}
	}

	match, err := r.Matcher.Match(ctx, ev)
	if err != nil || match == nil {
		return nil, err
	}

	initial := map[string]any{
		"trigger_id": match.Trigger.ID,
	}
	if match.MatchedKeyword != "" {
		initial["matched_keyword"] = match.MatchedKeyword
	}
	if ev.Text != "" {
		initial["trigger_message"] = ev.Text
	}
	return r.Engine.Start(ctx, match.FlowID, ev.ContactID, initial)
}
