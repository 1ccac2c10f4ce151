package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/botflow/internal/persistence"
	"github.com/petrijr/botflow/pkg/api"
	"github.com/petrijr/botflow/pkg/channel"
)

const (
	defaultLeaseTTL           = 30 * time.Second
	defaultWebhookAttempts    = 3
	defaultWebhookBackoff     = 500 * time.Millisecond
	defaultWebhookHTTPTimeout = 10 * time.Second
)

// engineImpl is the lease-guarded execution state machine. Every
// mutating operation acquires an execution-scoped lease, loads fresh
// state, applies its transition and persists before releasing.
type engineImpl struct {
	stores    persistence.Stores
	channel   channel.Dispatcher
	scheduler api.Scheduler
	observer  api.Observer

	httpClient         *http.Client
	leaseTTL           time.Duration
	webhookMaxAttempts int
	webhookBackoff     time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// Config describes how to construct an engine.
type Config struct {
	Stores persistence.Stores

	// Channel dispatches outbound messages. A nil Channel drops them,
	// which is only useful in tests.
	Channel channel.Dispatcher

	// Scheduler hands step and resume work to the external runner. A
	// nil Scheduler makes Start run the first step synchronously and
	// leaves timer resumes to the caller.
	Scheduler api.Scheduler

	Observer api.Observer

	// HTTPClient is used for webhook_action nodes.
	HTTPClient *http.Client

	// LeaseTTL bounds how long a crashed worker can block an execution.
	LeaseTTL time.Duration

	// WebhookMaxAttempts is the default total attempt budget for
	// webhook_action nodes without their own max_attempts.
	WebhookMaxAttempts int

	// WebhookBackoff is the initial retry backoff for webhook_action
	// nodes. Subsequent attempts back off exponentially.
	WebhookBackoff time.Duration
}

// New creates an Engine from the given configuration.
func New(cfg Config) api.Engine {
	return newEngine(cfg)
}

// NewMaintainer returns the housekeeping view of the same engine.
func NewMaintainer(cfg Config) (api.Engine, api.Maintainer) {
	e := newEngine(cfg)
	return e, e
}

func newEngine(cfg Config) *engineImpl {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	disp := cfg.Channel
	if disp == nil {
		disp = channel.DispatcherFunc(func(ctx context.Context, contact *api.Contact, msg channel.Message) (string, error) {
			return "", nil
		})
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookHTTPTimeout}
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	attempts := cfg.WebhookMaxAttempts
	if attempts <= 0 {
		attempts = defaultWebhookAttempts
	}
	backoff := cfg.WebhookBackoff
	if backoff <= 0 {
		backoff = defaultWebhookBackoff
	}
	stores := cfg.Stores
	if stores.ExecutionLog == nil {
		stores.ExecutionLog = persistence.NoopExecutionLogStore{}
	}
	if stores.TriggerLog == nil {
		stores.TriggerLog = persistence.NoopTriggerLogStore{}
	}
	return &engineImpl{
		stores:             stores,
		channel:            disp,
		scheduler:          cfg.Scheduler,
		observer:           obs,
		httpClient:         client,
		leaseTTL:           ttl,
		webhookMaxAttempts: attempts,
		webhookBackoff:     backoff,
		now:                time.Now,
	}
}

var (
	_ api.Engine     = (*engineImpl)(nil)
	_ api.Maintainer = (*engineImpl)(nil)
)

func (e *engineImpl) Start(ctx context.Context, flowID, contactID string, initialState map[string]any) (*api.FlowExecution, error) {
	def, err := e.stores.Flows.GetFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrFlowNotFound, flowID)
		}
		return nil, err
	}
	if !def.Active {
		return nil, fmt.Errorf("%w: flow %s is inactive", api.ErrFlowNotFound, flowID)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	// One live execution per contact: joining an in-flight conversation
	// returns it instead of forking a second one.
	if existing, err := e.stores.Executions.ActiveExecutionForContact(ctx, contactID); err == nil {
		return existing, nil
	} else if !errors.Is(err, persistence.ErrExecutionNotFound) {
		return nil, err
	}

	now := e.now()
	state := make(map[string]any, len(initialState))
	for k, v := range initialState {
		state[k] = v
	}
	exec := &api.FlowExecution{
		ID:            uuid.NewString(),
		FlowID:        def.ID,
		BotID:         def.BotID,
		ContactID:     contactID,
		CurrentNodeID: def.Entry(),
		Status:        api.StatusPending,
		State:         state,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.stores.Executions.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.appendLog(ctx, exec.ID, exec.CurrentNodeID, api.ExecEventStarted, "flow "+def.ID)
	e.observer.OnExecutionStart(ctx, exec)

	if e.scheduler != nil {
		if err := e.scheduler.ScheduleStep(ctx, exec.ID); err != nil {
			return exec, err
		}
		return exec, nil
	}
	return e.Step(ctx, exec.ID)
}

func (e *engineImpl) Step(ctx context.Context, executionID string) (*api.FlowExecution, error) {
	return e.withLease(ctx, executionID, func(exec *api.FlowExecution, lease *executionLease) (*api.FlowExecution, error) {
		// Redelivered or late tasks land here; nothing to do.
		if exec.Status.Terminal() || exec.Status.Waiting() {
			return exec, nil
		}
		if exec.Status == api.StatusPending {
			exec.Status = api.StatusRunning
		}
		return e.runLoop(ctx, exec, lease)
	})
}

func (e *engineImpl) Resume(ctx context.Context, executionID string) (*api.FlowExecution, error) {
	return e.withLease(ctx, executionID, func(exec *api.FlowExecution, lease *executionLease) (*api.FlowExecution, error) {
		// A duplicate timer firing after completion is not an error.
		if exec.Status.Terminal() {
			return exec, nil
		}
		if exec.Status != api.StatusWaitingTimer {
			return exec, fmt.Errorf("%w: cannot resume execution %s in status %s", api.ErrInvalidTransition, exec.ID, exec.Status)
		}

		if node, ok := exec.State[api.StateKeyResumeNode].(string); ok {
			exec.CurrentNodeID = node
		} else {
			exec.CurrentNodeID = ""
		}
		delete(exec.State, api.StateKeyResumeNode)
		exec.Status = api.StatusRunning

		if err := e.persist(ctx, exec); err != nil {
			return exec, err
		}
		e.appendLog(ctx, exec.ID, exec.CurrentNodeID, api.ExecEventResumed, "timer elapsed")
		return e.runLoop(ctx, exec, lease)
	})
}

func (e *engineImpl) HandleInput(ctx context.Context, executionID, message, messageType string) (*api.FlowExecution, error) {
	return e.withLease(ctx, executionID, func(exec *api.FlowExecution, lease *executionLease) (*api.FlowExecution, error) {
		if exec.Status != api.StatusWaitingInput {
			return exec, fmt.Errorf("%w: cannot deliver input to execution %s in status %s", api.ErrInvalidTransition, exec.ID, exec.Status)
		}

		if exec.State == nil {
			exec.State = make(map[string]any)
		}
		exec.State[api.StateKeyUserResponse] = message
		exec.State[api.StateKeyUserResponseType] = messageType
		exec.State[api.StateKeyLastUserInputAt] = e.now().Format(time.RFC3339)

		if node, ok := exec.State[api.StateKeyResumeNode].(string); ok {
			exec.CurrentNodeID = node
		} else {
			exec.CurrentNodeID = ""
		}
		delete(exec.State, api.StateKeyResumeNode)
		exec.Status = api.StatusRunning

		if err := e.persist(ctx, exec); err != nil {
			return exec, err
		}
		e.appendLog(ctx, exec.ID, exec.CurrentNodeID, api.ExecEventInput, "user input delivered")
		return e.runLoop(ctx, exec, lease)
	})
}

func (e *engineImpl) Cancel(ctx context.Context, executionID string) (*api.FlowExecution, error) {
	return e.withLease(ctx, executionID, func(exec *api.FlowExecution, _ *executionLease) (*api.FlowExecution, error) {
		if exec.Status.Terminal() {
			return exec, nil
		}
		exec.Status = api.StatusCancelled
		if err := e.persist(ctx, exec); err != nil {
			return exec, err
		}
		e.appendLog(ctx, exec.ID, exec.CurrentNodeID, api.ExecEventCancelled, "")
		e.observer.OnExecutionCancelled(ctx, exec)
		return exec, nil
	})
}

func (e *engineImpl) GetExecution(ctx context.Context, executionID string) (*api.FlowExecution, error) {
	exec, err := e.stores.Executions.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	return exec, nil
}

func (e *engineImpl) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.FlowExecution, error) {
	return e.stores.Executions.ListExecutions(ctx, filter)
}

func (e *engineImpl) ExecutionLog(ctx context.Context, executionID string) ([]api.ExecutionLogEntry, error) {
	return e.stores.ExecutionLog.ListExecutionLog(ctx, executionID)
}

func (e *engineImpl) CleanupOldExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	return e.stores.Executions.DeleteTerminalBefore(ctx, cutoff)
}

func (e *engineImpl) TimeoutStaleExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := e.stores.Executions.ListExecutions(ctx, api.ExecutionFilter{UpdatedBefore: cutoff})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, candidate := range stale {
		if candidate.Status.Terminal() {
			continue
		}
		_, err := e.withLease(ctx, candidate.ID, func(exec *api.FlowExecution, _ *executionLease) (*api.FlowExecution, error) {
			// Re-check under the lease: the execution may have moved on.
			if exec.Status.Terminal() || !exec.UpdatedAt.Before(cutoff) {
				return exec, nil
			}
			exec.Status = api.StatusFailed
			exec.Error = "execution timed out"
			exec.FailedNodeID = exec.CurrentNodeID
			if err := e.persist(ctx, exec); err != nil {
				return exec, err
			}
			e.appendLog(ctx, exec.ID, exec.CurrentNodeID, api.ExecEventFailed, "execution timed out")
			e.observer.OnExecutionFailed(ctx, exec, errors.New("execution timed out"))
			count++
			return exec, nil
		})
		if errors.Is(err, api.ErrConcurrentStep) || errors.Is(err, api.ErrExecutionNotFound) {
			// Someone is actively working it, or it was already swept;
			// not stale either way.
			continue
		}
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// executionLease is the held lease for one engine operation. Node work
// that outlives a normal step, like webhook retry loops, renews it so
// the TTL cannot lapse mid-node and admit a second worker.
type executionLease struct {
	e           *engineImpl
	executionID string
	owner       string
}

func (l *executionLease) Renew(ctx context.Context) error {
	return l.e.stores.Executions.RenewLease(ctx, l.executionID, l.owner, l.e.leaseTTL)
}

// withLease serializes access to one execution. Each call carries a
// fresh owner so re-entrancy never masks a real conflict.
func (e *engineImpl) withLease(ctx context.Context, executionID string, fn func(*api.FlowExecution, *executionLease) (*api.FlowExecution, error)) (*api.FlowExecution, error) {
	owner := uuid.NewString()
	acquired, err := e.stores.Executions.TryAcquireLease(ctx, executionID, owner, e.leaseTTL)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("%w: execution %s", api.ErrConcurrentStep, executionID)
	}
	defer func() {
		_ = e.stores.Executions.ReleaseLease(ctx, executionID, owner)
	}()

	exec, err := e.stores.Executions.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	return fn(exec, &executionLease{e: e, executionID: executionID, owner: owner})
}

// runLoop executes nodes until the execution suspends or terminates.
// Every transition is persisted before the next node runs, so a crash
// resumes at the last durable node.
func (e *engineImpl) runLoop(ctx context.Context, exec *api.FlowExecution, lease *executionLease) (*api.FlowExecution, error) {
	def, err := e.stores.Flows.GetFlow(ctx, exec.FlowID)
	if err != nil {
		return e.fail(ctx, exec, "", fmt.Errorf("%w: %s", api.ErrFlowNotFound, exec.FlowID))
	}

	for exec.Status == api.StatusRunning {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, exec, exec.CurrentNodeID, err)
		}

		if exec.CurrentNodeID == "" {
			return e.complete(ctx, exec)
		}
		node, ok := def.Node(exec.CurrentNodeID)
		if !ok {
			return e.fail(ctx, exec, exec.CurrentNodeID, fmt.Errorf("%w: flow %s has no node %q", api.ErrInvalidFlow, def.ID, exec.CurrentNodeID))
		}

		e.observer.OnNodeStart(ctx, exec, node.ID, node.Type)
		started := e.now()
		eff, nodeErr := e.executeNode(ctx, exec, node, lease)
		e.observer.OnNodeCompleted(ctx, exec, node.ID, node.Type, nodeErr, e.now().Sub(started))

		if nodeErr != nil {
			if errors.Is(nodeErr, api.ErrConcurrentStep) {
				// The lease was lost mid-node; another worker owns the
				// execution now, so nothing here may be persisted.
				return exec, nodeErr
			}
			e.appendLog(ctx, exec.ID, node.ID, api.ExecEventNodeFailed, nodeErr.Error())
			return e.fail(ctx, exec, node.ID, nodeErr)
		}

		for k, v := range eff.stateDelta {
			if exec.State == nil {
				exec.State = make(map[string]any)
			}
			exec.State[k] = v
		}
		e.appendLog(ctx, exec.ID, node.ID, api.ExecEventNodeExecuted, eff.detail)

		switch eff.status {
		case api.StatusWaitingTimer:
			if exec.State == nil {
				exec.State = make(map[string]any)
			}
			exec.State[api.StateKeyResumeNode] = eff.next
			exec.Status = api.StatusWaitingTimer
			if err := e.persist(ctx, exec); err != nil {
				return exec, err
			}
			e.appendLog(ctx, exec.ID, node.ID, api.ExecEventWaiting, "until "+eff.resumeAt.Format(time.RFC3339))
			e.observer.OnExecutionSuspended(ctx, exec)
			if e.scheduler != nil {
				if err := e.scheduler.ScheduleResume(ctx, exec.ID, eff.resumeAt); err != nil {
					return exec, err
				}
			}
			return exec, nil

		case api.StatusWaitingInput:
			if exec.State == nil {
				exec.State = make(map[string]any)
			}
			exec.State[api.StateKeyResumeNode] = eff.next
			exec.Status = api.StatusWaitingInput
			if err := e.persist(ctx, exec); err != nil {
				return exec, err
			}
			e.appendLog(ctx, exec.ID, node.ID, api.ExecEventWaiting, "awaiting user input")
			e.observer.OnExecutionSuspended(ctx, exec)
			return exec, nil
		}

		exec.CurrentNodeID = eff.next
		if err := e.persist(ctx, exec); err != nil {
			return exec, err
		}
	}
	return exec, nil
}

func (e *engineImpl) complete(ctx context.Context, exec *api.FlowExecution) (*api.FlowExecution, error) {
	exec.Status = api.StatusCompleted
	exec.CurrentNodeID = ""
	if err := e.persist(ctx, exec); err != nil {
		return exec, err
	}
	e.appendLog(ctx, exec.ID, "", api.ExecEventCompleted, "")
	e.observer.OnExecutionCompleted(ctx, exec)
	return exec, nil
}

func (e *engineImpl) fail(ctx context.Context, exec *api.FlowExecution, nodeID string, cause error) (*api.FlowExecution, error) {
	exec.Status = api.StatusFailed
	exec.Error = cause.Error()
	exec.FailedNodeID = nodeID
	if err := e.persist(ctx, exec); err != nil {
		return exec, err
	}
	e.appendLog(ctx, exec.ID, nodeID, api.ExecEventFailed, cause.Error())
	e.observer.OnExecutionFailed(ctx, exec, cause)
	return exec, cause
}

func (e *engineImpl) persist(ctx context.Context, exec *api.FlowExecution) error {
	exec.UpdatedAt = e.now()
	return e.stores.Executions.UpdateExecution(ctx, exec)
}

func (e *engineImpl) appendLog(ctx context.Context, executionID, nodeID string, event api.ExecutionEventType, detail string) {
	_ = e.stores.ExecutionLog.AppendExecutionLog(ctx, api.ExecutionLogEntry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Event:       event,
		At:          e.now(),
		Detail:      detail,
	})
}
