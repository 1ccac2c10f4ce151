package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType identifies the behavior of a flow node.
type NodeType string

const (
	NodeSendMessage  NodeType = "send_message"
	NodeWait         NodeType = "wait"
	NodeCondition    NodeType = "condition"
	NodeWebhook      NodeType = "webhook_action"
	NodeSetAttribute NodeType = "set_attribute"
)

// NodeConfig is the closed set of per-type node configurations.
// Configs are validated when the flow is loaded, so malformed flows fail
// at Start instead of mid-execution.
type NodeConfig interface {
	// Validate reports whether the config is well-formed on its own.
	// Edge targets are checked separately by FlowDefinition.Validate.
	Validate() error

	// Edges returns the node ids this config can advance to.
	// Empty strings mean "terminal" and are filtered by the caller.
	Edges() []string
}

// SendMessageConfig configures a send_message node. Content values may
// contain {{...}} placeholders and are interpolated before dispatch.
type SendMessageConfig struct {
	// MessageType is the outbound payload kind: text, template, media
	// or interactive.
	MessageType string         `json:"message_type"`
	Content     map[string]any `json:"content"`

	// AwaitReply parks the execution in waiting_input after the message
	// is dispatched; the next inbound message resumes it at Next.
	AwaitReply bool   `json:"await_reply,omitempty"`
	Next       string `json:"next,omitempty"`
}

func (c *SendMessageConfig) Validate() error {
	switch c.MessageType {
	case "text", "template", "media", "interactive":
	case "":
		return fmt.Errorf("send_message: message_type is required")
	default:
		return fmt.Errorf("send_message: unsupported message_type %q", c.MessageType)
	}
	if len(c.Content) == 0 {
		return fmt.Errorf("send_message: content is required")
	}
	return nil
}

func (c *SendMessageConfig) Edges() []string { return []string{c.Next} }

// WaitConfig configures a wait node.
type WaitConfig struct {
	Duration int    `json:"duration"`
	Unit     string `json:"unit"` // seconds, minutes, hours, days
	Next     string `json:"next,omitempty"`
}

func (c *WaitConfig) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("wait: %w: duration must be > 0, got %d", ErrInvalidDuration, c.Duration)
	}
	switch c.Unit {
	case "", "seconds", "minutes", "hours", "days":
		return nil
	default:
		return fmt.Errorf("wait: unsupported unit %q", c.Unit)
	}
}

func (c *WaitConfig) Edges() []string { return []string{c.Next} }

// Interval converts duration+unit into a time.Duration.
// An empty unit means seconds.
func (c *WaitConfig) Interval() time.Duration {
	d := time.Duration(c.Duration)
	switch c.Unit {
	case "minutes":
		return d * time.Minute
	case "hours":
		return d * time.Hour
	case "days":
		return d * 24 * time.Hour
	default:
		return d * time.Second
	}
}

// ConditionConfig configures a condition node. Variable is a dotted path
// into state / contact / contact.attribute.
type ConditionConfig struct {
	Variable  string   `json:"variable"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
	TruePath  string   `json:"true_path,omitempty"`
	FalsePath string   `json:"false_path,omitempty"`
}

func (c *ConditionConfig) Validate() error {
	if c.Variable == "" {
		return fmt.Errorf("condition: variable is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("condition: unsupported operator %q", c.Operator)
	}
	return nil
}

func (c *ConditionConfig) Edges() []string { return []string{c.TruePath, c.FalsePath} }

// WebhookConfig configures a webhook_action node. URL, header values and
// body values are interpolated before the request is issued.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // default POST
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`

	// StoreResponseIn names the state variable the response is stored
	// under. Empty means the response is discarded.
	StoreResponseIn string `json:"store_response_in,omitempty"`

	// MaxAttempts overrides the engine-wide retry budget for this node.
	// Zero means "use the engine default".
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Next        string `json:"next,omitempty"`
}

func (c *WebhookConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("webhook_action: url is required")
	}
	switch c.Method {
	case "", "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return fmt.Errorf("webhook_action: unsupported method %q", c.Method)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("webhook_action: max_attempts must be >= 0")
	}
	return nil
}

func (c *WebhookConfig) Edges() []string { return []string{c.Next} }

// RequestMethod returns the configured HTTP method, defaulting to POST.
func (c *WebhookConfig) RequestMethod() string {
	if c.Method == "" {
		return "POST"
	}
	return c.Method
}

// SetAttributeConfig configures a set_attribute node. AttributeValue
// supports {{...}} placeholders.
type SetAttributeConfig struct {
	AttributeKey   string    `json:"attribute_key"`
	AttributeValue string    `json:"attribute_value"`
	ValueType      ValueType `json:"value_type,omitempty"` // default string
	Next           string    `json:"next,omitempty"`
}

func (c *SetAttributeConfig) Validate() error {
	if c.AttributeKey == "" {
		return fmt.Errorf("set_attribute: attribute_key is required")
	}
	if c.ValueType != "" && !c.ValueType.Valid() {
		return fmt.Errorf("set_attribute: unsupported value_type %q", c.ValueType)
	}
	return nil
}

func (c *SetAttributeConfig) Edges() []string { return []string{c.Next} }

// Node is a single typed step in a flow graph.
type Node struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Config NodeConfig `json:"config"`
}

// nodeEnvelope mirrors Node with the config left raw so UnmarshalJSON can
// pick the concrete type from the tag.
type nodeEnvelope struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config"`
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	n.ID = env.ID
	n.Type = env.Type

	var cfg NodeConfig
	switch env.Type {
	case NodeSendMessage:
		cfg = &SendMessageConfig{}
	case NodeWait:
		cfg = &WaitConfig{}
	case NodeCondition:
		cfg = &ConditionConfig{}
	case NodeWebhook:
		cfg = &WebhookConfig{}
	case NodeSetAttribute:
		cfg = &SetAttributeConfig{}
	default:
		return fmt.Errorf("node %q: unknown type %q", env.ID, env.Type)
	}
	if len(env.Config) == 0 {
		return fmt.Errorf("node %q: config is required", env.ID)
	}
	if err := json.Unmarshal(env.Config, cfg); err != nil {
		return fmt.Errorf("node %q: %w", env.ID, err)
	}
	n.Config = cfg
	return nil
}

// FlowDefinition is an immutable directed graph of nodes. The engine
// treats definitions as read-only input; authoring lives elsewhere.
type FlowDefinition struct {
	ID      string `json:"id"`
	BotID   string `json:"bot_id"`
	Version int    `json:"version,omitempty"`
	Active  bool   `json:"active"`

	// EntryNode is the id of the node executions start at. Empty means
	// the first node in Nodes.
	EntryNode string `json:"entry_node,omitempty"`
	Nodes     []Node `json:"nodes"`
}

// ParseFlow decodes and validates a JSON flow definition.
func ParseFlow(data []byte) (FlowDefinition, error) {
	var def FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return FlowDefinition{}, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	if err := def.Validate(); err != nil {
		return FlowDefinition{}, err
	}
	return def, nil
}

// Validate checks graph-level invariants: at least one node, unique node
// ids, a resolvable entry node, well-formed configs and edges that only
// reference nodes present in the graph.
func (d FlowDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: flow id is required", ErrInvalidFlow)
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: flow %s has no nodes", ErrInvalidFlow, d.ID)
	}

	byID := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: flow %s has a node without an id", ErrInvalidFlow, d.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: flow %s has duplicate node id %q", ErrInvalidFlow, d.ID, n.ID)
		}
		byID[n.ID] = struct{}{}
		if n.Config == nil {
			return fmt.Errorf("%w: flow %s node %q has no config", ErrInvalidFlow, d.ID, n.ID)
		}
		if err := n.Config.Validate(); err != nil {
			return fmt.Errorf("%w: flow %s node %q: %v", ErrInvalidFlow, d.ID, n.ID, err)
		}
	}

	if _, ok := byID[d.Entry()]; !ok {
		return fmt.Errorf("%w: flow %s entry node %q does not exist", ErrInvalidFlow, d.ID, d.Entry())
	}

	for _, n := range d.Nodes {
		for _, edge := range n.Config.Edges() {
			if edge == "" {
				continue // terminal
			}
			if _, ok := byID[edge]; !ok {
				return fmt.Errorf("%w: flow %s node %q references unknown node %q", ErrInvalidFlow, d.ID, n.ID, edge)
			}
		}
	}
	return nil
}

// Entry returns the id of the node executions start at.
func (d FlowDefinition) Entry() string {
	if d.EntryNode != "" {
		return d.EntryNode
	}
	if len(d.Nodes) > 0 {
		return d.Nodes[0].ID
	}
	return ""
}

// Node returns the node with the given id.
func (d FlowDefinition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
