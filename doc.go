// Package botflow is a durable conversational flow engine for
// messaging bots.
//
// Flows are graphs of typed nodes (send_message, wait, condition,
// webhook_action, set_attribute). The engine persists the execution
// after every transition, so conversations survive process restarts,
// and triggers map inbound keywords, events and schedules onto flows.
//
// # Core Concepts
//
//  1. Runtime — the engine plus its stores and authoring surface.
//  2. FlowBuilder — fluent construction of node graphs.
//  3. Trigger — keyword, event or schedule activation of a flow.
//  4. LocalRunner — in-process workers and timer delivery.
//  5. Channel — the outbound messaging port.
//
// # Quick Start
//
//	rt := botflow.NewInMemoryEngine(botflow.Options{Channel: dispatcher})
//
//	flow := botflow.NewFlow("welcome", "bot-1").
//		Ask("greet", "text", map[string]any{"body": "Hi! What's your name?"}, "thank").
//		SendMessage("thank", "text", map[string]any{"body": "Nice to meet you, {{state.user_response}}!"}, "").
//		MustBuild()
//
//	rt.RegisterFlow(ctx, flow)
//	rt.RegisterTrigger(ctx, botflow.Trigger{
//		ID: "hello", BotID: "bot-1", FlowID: "welcome",
//		Type:   botflow.TriggerKeyword,
//		Active: true,
//		Keyword: &botflow.KeywordTriggerConfig{Keywords: []string{"hello"}},
//	})
//
//	exec, err := rt.DeliverEvent(ctx, botflow.Event{
//		Type: botflow.EventMessage, BotID: "bot-1",
//		ContactID: "c1", Text: "hello",
//	})
//
// Inbound replies route to the contact's waiting execution through
// DeliverEvent as well; timers and queued steps are driven by a
// LocalRunner or by workers draining a shared task queue.
//
// # Persistence
//
// NewInMemoryEngine keeps everything in process memory. NewSQLiteEngine
// persists executions, contacts, attributes and history in SQLite.
// NewRedisEngine keeps executions and attributes in Redis with
// cross-process execution leases. NewSQLiteBundle adds a durable task
// queue on the same database for multi-worker deployments.
package botflow
