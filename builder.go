package botflow

import (
	"fmt"

	"github.com/petrijr/botflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows in code:
//
//	flow := botflow.NewFlow("welcome", "bot-1").
//	    SendMessage("greet", "text", map[string]any{"body": "Hi {{contact.first_name}}!"}, "ask").
//	    Ask("ask", "text", map[string]any{"body": "What's your name?"}, "save").
//	    SetAttribute("save", "name", "{{state.user_response}}", "bye").
//	    SendMessage("bye", "text", map[string]any{"body": "Thanks, {{contact.attribute.name}}!"}, "").
//	    MustBuild()
//
//	if err := runtime.RegisterFlow(ctx, flow); err != nil {
//	    log.Fatal(err)
//	}
type FlowBuilder struct {
	def api.FlowDefinition
}

// NewFlow creates a new flow builder. The first node added becomes the
// entry node unless Entry overrides it.
func NewFlow(id, botID string) *FlowBuilder {
	return &FlowBuilder{
		def: api.FlowDefinition{
			ID:     id,
			BotID:  botID,
			Active: true,
		},
	}
}

// Entry sets the entry node explicitly.
func (b *FlowBuilder) Entry(nodeID string) *FlowBuilder {
	b.def.EntryNode = nodeID
	return b
}

// Inactive marks the flow as not startable.
func (b *FlowBuilder) Inactive() *FlowBuilder {
	b.def.Active = false
	return b
}

func (b *FlowBuilder) add(id string, typ api.NodeType, cfg api.NodeConfig) *FlowBuilder {
	if id == "" {
		panic("botflow: node id must not be empty")
	}
	b.def.Nodes = append(b.def.Nodes, api.Node{ID: id, Type: typ, Config: cfg})
	return b
}

// SendMessage appends a send_message node.
func (b *FlowBuilder) SendMessage(id, messageType string, content map[string]any, next string) *FlowBuilder {
	return b.add(id, api.NodeSendMessage, &api.SendMessageConfig{
		MessageType: messageType,
		Content:     content,
		Next:        next,
	})
}

// Ask appends a send_message node that parks the execution until the
// contact replies; the reply lands in state under user_response.
func (b *FlowBuilder) Ask(id, messageType string, content map[string]any, next string) *FlowBuilder {
	return b.add(id, api.NodeSendMessage, &api.SendMessageConfig{
		MessageType: messageType,
		Content:     content,
		AwaitReply:  true,
		Next:        next,
	})
}

// Wait appends a wait node.
func (b *FlowBuilder) Wait(id string, duration int, unit, next string) *FlowBuilder {
	return b.add(id, api.NodeWait, &api.WaitConfig{
		Duration: duration,
		Unit:     unit,
		Next:     next,
	})
}

// Condition appends a condition node.
func (b *FlowBuilder) Condition(id, variable string, op api.Operator, value any, truePath, falsePath string) *FlowBuilder {
	return b.add(id, api.NodeCondition, &api.ConditionConfig{
		Variable:  variable,
		Operator:  op,
		Value:     value,
		TruePath:  truePath,
		FalsePath: falsePath,
	})
}

// Webhook appends a webhook_action node posting to url.
func (b *FlowBuilder) Webhook(id, url string, body map[string]any, storeIn, next string) *FlowBuilder {
	return b.add(id, api.NodeWebhook, &api.WebhookConfig{
		URL:             url,
		Body:            body,
		StoreResponseIn: storeIn,
		Next:            next,
	})
}

// WebhookConfig appends a webhook_action node with full control over
// the request.
func (b *FlowBuilder) WebhookConfig(id string, cfg api.WebhookConfig, next string) *FlowBuilder {
	cfg.Next = next
	return b.add(id, api.NodeWebhook, &cfg)
}

// SetAttribute appends a set_attribute node storing a string value.
func (b *FlowBuilder) SetAttribute(id, key, value, next string) *FlowBuilder {
	return b.add(id, api.NodeSetAttribute, &api.SetAttributeConfig{
		AttributeKey:   key,
		AttributeValue: value,
		Next:           next,
	})
}

// SetTypedAttribute appends a set_attribute node with an explicit value
// type.
func (b *FlowBuilder) SetTypedAttribute(id, key, value string, vt api.ValueType, next string) *FlowBuilder {
	return b.add(id, api.NodeSetAttribute, &api.SetAttributeConfig{
		AttributeKey:   key,
		AttributeValue: value,
		ValueType:      vt,
		Next:           next,
	})
}

// Build validates and returns the flow definition.
func (b *FlowBuilder) Build() (api.FlowDefinition, error) {
	if err := b.def.Validate(); err != nil {
		return api.FlowDefinition{}, err
	}
	return b.def, nil
}

// MustBuild is Build, panicking on an invalid definition. Intended for
// flows declared in code where a bad graph is a programming error.
func (b *FlowBuilder) MustBuild() api.FlowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("botflow: invalid flow: %v", err))
	}
	return def
}
