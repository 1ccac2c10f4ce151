package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/botflow/internal/interp"
	"github.com/petrijr/botflow/pkg/api"
	"github.com/petrijr/botflow/pkg/channel"
)

// effect is the outcome of one node execution: the edge taken, state
// to merge, and whether the execution suspends. A zero status means
// "keep running".
type effect struct {
	next       string
	stateDelta map[string]any
	status     api.Status
	resumeAt   time.Time
	detail     string
}

func (e *engineImpl) executeNode(ctx context.Context, exec *api.FlowExecution, node api.Node, lease *executionLease) (effect, error) {
	contact, attrs := e.loadContact(ctx, exec.ContactID)
	ic := interp.Context{
		State:      exec.State,
		Contact:    contact,
		Attributes: attrs,
	}

	switch cfg := node.Config.(type) {
	case *api.SendMessageConfig:
		return e.execSendMessage(ctx, exec, node, cfg, contact, ic)
	case *api.WaitConfig:
		return e.execWait(node, cfg)
	case *api.ConditionConfig:
		return e.execCondition(cfg, ic)
	case *api.WebhookConfig:
		return e.execWebhook(ctx, exec, node, cfg, ic, lease)
	case *api.SetAttributeConfig:
		return e.execSetAttribute(ctx, exec, node, cfg, ic)
	default:
		return effect{}, &api.NodeError{
			NodeID:   node.ID,
			NodeType: node.Type,
			Err:      fmt.Errorf("unknown node type %q", node.Type),
		}
	}
}

// loadContact fetches the contact and its attribute bag. Both are
// optional: interpolation against a missing contact resolves to empty.
func (e *engineImpl) loadContact(ctx context.Context, contactID string) (*api.Contact, map[string]api.ContactAttribute) {
	var contact *api.Contact
	if e.stores.Contacts != nil {
		if c, err := e.stores.Contacts.GetContact(ctx, contactID); err == nil {
			contact = c
		}
	}
	var attrs map[string]api.ContactAttribute
	if e.stores.Attributes != nil {
		if m, err := e.stores.Attributes.ListAttributes(ctx, contactID); err == nil {
			attrs = m
		}
	}
	return contact, attrs
}

func (e *engineImpl) execSendMessage(ctx context.Context, exec *api.FlowExecution, node api.Node, cfg *api.SendMessageConfig, contact *api.Contact, ic interp.Context) (effect, error) {
	msg := channel.Message{
		ContactID: exec.ContactID,
		Type:      cfg.MessageType,
		Content:   ic.InterpolateMap(cfg.Content),
	}
	if contact != nil {
		msg.To = contact.PhoneNumber
	}

	if _, err := e.channel.Dispatch(ctx, contact, msg); err != nil {
		return effect{}, &api.NodeError{NodeID: node.ID, NodeType: node.Type, Err: err}
	}

	if cfg.AwaitReply {
		return effect{
			next:   cfg.Next,
			status: api.StatusWaitingInput,
			detail: "message sent, awaiting reply",
		}, nil
	}
	return effect{next: cfg.Next, detail: "message sent"}, nil
}

func (e *engineImpl) execWait(node api.Node, cfg *api.WaitConfig) (effect, error) {
	interval := cfg.Interval()
	if interval <= 0 {
		return effect{}, &api.NodeError{NodeID: node.ID, NodeType: node.Type, Err: api.ErrInvalidDuration}
	}
	return effect{
		next:     cfg.Next,
		status:   api.StatusWaitingTimer,
		resumeAt: e.now().Add(interval),
		detail:   "waiting " + interval.String(),
	}, nil
}

func (e *engineImpl) execCondition(cfg *api.ConditionConfig, ic interp.Context) (effect, error) {
	matched := false
	if actual, ok := ic.Resolve(cfg.Variable); ok {
		matched = cfg.Operator.Eval(actual, ic.InterpolateValue(cfg.Value))
	}
	// Unresolved variables take the false branch rather than failing:
	// a missing answer is an answer.
	if matched {
		return effect{next: cfg.TruePath, detail: "condition true"}, nil
	}
	return effect{next: cfg.FalsePath, detail: "condition false"}, nil
}

func (e *engineImpl) execSetAttribute(ctx context.Context, exec *api.FlowExecution, node api.Node, cfg *api.SetAttributeConfig, ic interp.Context) (effect, error) {
	raw := ic.Interpolate(cfg.AttributeValue)
	vt := cfg.ValueType
	if vt == "" {
		vt = api.ValueString
	}
	typed, err := api.CoerceValue(raw, vt)
	if err != nil {
		return effect{}, &api.NodeError{NodeID: node.ID, NodeType: node.Type, Err: err}
	}

	if e.stores.Attributes != nil {
		attr := api.ContactAttribute{
			ContactID: exec.ContactID,
			Key:       cfg.AttributeKey,
			Value:     raw,
			Type:      vt,
			UpdatedAt: e.now(),
		}
		if err := e.stores.Attributes.SetAttribute(ctx, attr); err != nil {
			return effect{}, &api.NodeError{NodeID: node.ID, NodeType: node.Type, Err: err}
		}
	}

	// Mirror into state so later nodes see the value without a store
	// round-trip.
	return effect{
		next:       cfg.Next,
		stateDelta: map[string]any{"contact." + cfg.AttributeKey: typed},
		detail:     "set " + cfg.AttributeKey,
	}, nil
}
