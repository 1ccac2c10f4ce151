package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the flow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay flow execution.
type Observer interface {
	// OnExecutionStart is called once when an execution is created,
	// before its first node runs.
	OnExecutionStart(ctx context.Context, exec *FlowExecution)

	// OnExecutionSuspended is called when an execution parks in
	// waiting_timer or waiting_input.
	OnExecutionSuspended(ctx context.Context, exec *FlowExecution)

	// OnExecutionCompleted is called when an execution reaches
	// StatusCompleted.
	OnExecutionCompleted(ctx context.Context, exec *FlowExecution)

	// OnExecutionFailed is called when an execution transitions to
	// StatusFailed.
	OnExecutionFailed(ctx context.Context, exec *FlowExecution, err error)

	// OnExecutionCancelled is called when an execution is cancelled.
	OnExecutionCancelled(ctx context.Context, exec *FlowExecution)

	// OnNodeStart is called before a node executor runs.
	OnNodeStart(ctx context.Context, exec *FlowExecution, nodeID string, nodeType NodeType)

	// OnNodeCompleted is called after a node executor returns, for both
	// successes and failures (err != nil).
	OnNodeCompleted(ctx context.Context, exec *FlowExecution, nodeID string, nodeType NodeType, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing. It is the default when
// no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(ctx context.Context, exec *FlowExecution)     {}
func (NoopObserver) OnExecutionSuspended(ctx context.Context, exec *FlowExecution) {}
func (NoopObserver) OnExecutionCompleted(ctx context.Context, exec *FlowExecution) {}
func (NoopObserver) OnExecutionFailed(ctx context.Context, exec *FlowExecution, err error) {
}
func (NoopObserver) OnExecutionCancelled(ctx context.Context, exec *FlowExecution) {}
func (NoopObserver) OnNodeStart(ctx context.Context, exec *FlowExecution, nodeID string, nodeType NodeType) {
}
func (NoopObserver) OnNodeCompleted(ctx context.Context, exec *FlowExecution, nodeID string, nodeType NodeType, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, exec *FlowExecution) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionSuspended(ctx context.Context, exec *FlowExecution) {
	for _, o := range c.observers {
		o.OnExecutionSuspended(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, exec *FlowExecution) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, exec *FlowExecution, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnExecutionCancelled(ctx context.Context, exec *FlowExecution) {
	for _, o := range c.observers {
		o.OnExecutionCancelled(ctx, exec)
	}
}

func (c *CompositeObserver) OnNodeStart(ctx context.Context, exec *FlowExecution, nodeID string, nodeType NodeType) {
	for _, o := range c.observers {
		o.OnNodeStart(ctx, exec, nodeID, nodeType)
	}
}

func (c *CompositeObserver) OnNodeCompleted(ctx context.Context, exec *FlowExecution, nodeID string, nodeType NodeType, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeCompleted(ctx, exec, nodeID, nodeType, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution and node
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStart(ctx context.Context, exec *FlowExecution) {
	o.Logger.InfoContext(ctx, "execution_start",
		slog.String("execution_id", exec.ID),
		slog.String("flow_id", exec.FlowID),
		slog.String("contact_id", exec.ContactID),
	)
}

func (o *LoggingObserver) OnExecutionSuspended(ctx context.Context, exec *FlowExecution) {
	o.Logger.InfoContext(ctx, "execution_suspended",
		slog.String("execution_id", exec.ID),
		slog.String("flow_id", exec.FlowID),
		slog.String("status", string(exec.Status)),
		slog.String("node_id", exec.CurrentNodeID),
	)
}

func (o *LoggingObserver) OnExecutionCompleted(ctx context.Context, exec *FlowExecution) {
	o.Logger.InfoContext(ctx, "execution_completed",
		slog.String("execution_id", exec.ID),
		slog.String("flow_id", exec.FlowID),
	)
}

func (o *LoggingObserver) OnExecutionFailed(ctx context.Context, exec *FlowExecution, err error) {
	o.Logger.ErrorContext(ctx, "execution_failed",
		slog.String("execution_id", exec.ID),
		slog.String("flow_id", exec.FlowID),
		slog.String("node_id", exec.FailedNodeID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnExecutionCancelled(ctx context.Context, exec *FlowExecution) {
	o.Logger.InfoContext(ctx, "execution_cancelled",
		slog.String("execution_id", exec.ID),
		slog.String("flow_id", exec.FlowID),
	)
}

func (o *LoggingObserver) OnNodeStart(ctx context.Context, exec *FlowExecution, nodeID string, nodeType NodeType) {
	o.Logger.DebugContext(ctx, "node_start",
		slog.String("execution_id", exec.ID),
		slog.String("node_id", nodeID),
		slog.String("node_type", string(nodeType)),
	)
}

func (o *LoggingObserver) OnNodeCompleted(ctx context.Context, exec *FlowExecution, nodeID string, nodeType NodeType, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "node_completed",
		slog.String("execution_id", exec.ID),
		slog.String("node_id", nodeID),
		slog.String("node_type", string(nodeType)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate node durations.
// It implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	executionsCancelled atomic.Int64
	nodesExecuted       atomic.Int64
	totalNodeDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	ExecutionsCancelled int64
	LiveExecutions      int64

	NodesExecuted   int64
	AvgNodeDuration time.Duration
}

func (m *BasicMetrics) OnExecutionStart(ctx context.Context, exec *FlowExecution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionCompleted(ctx context.Context, exec *FlowExecution) {
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(ctx context.Context, exec *FlowExecution, err error) {
	m.executionsFailed.Add(1)
}

func (m *BasicMetrics) OnExecutionCancelled(ctx context.Context, exec *FlowExecution) {
	m.executionsCancelled.Add(1)
}

func (m *BasicMetrics) OnNodeCompleted(ctx context.Context, exec *FlowExecution, nodeID string, nodeType NodeType, err error, d time.Duration) {
	// Only successful nodes count toward the average duration.
	if err == nil {
		m.nodesExecuted.Add(1)
		m.totalNodeDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	cancelled := m.executionsCancelled.Load()
	nodes := m.nodesExecuted.Load()
	totalNs := m.totalNodeDuration.Load()

	var avg time.Duration
	if nodes > 0 {
		avg = time.Duration(totalNs / nodes)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		ExecutionsCancelled: cancelled,
		LiveExecutions:      started - completed - failed - cancelled,
		NodesExecuted:       nodes,
		AvgNodeDuration:     avg,
	}
}
