package model

import (
	"time"
)

// NodeType is the kind of a flow graph node.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeMessage   NodeType = "message"
	NodeQuestion  NodeType = "question"
	NodeInput     NodeType = "input"
	NodeCondition NodeType = "condition"
	NodeActions   NodeType = "actions"
	NodeHandoff   NodeType = "handoff"
)

// Special edge handles.
const (
	HandleElse    = "else"
	HandleDefault = "default"
	HandleTimeout = "timeout"
)

// Bot binds a flow graph to a channel instance.
type Bot struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	InstanceID string         `json:"instance_id"`
	Name       string         `json:"name"`
	Published  bool           `json:"published"`
	Flow       FlowDefinition `json:"flow"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// FlowDefinition is an immutable directed graph authored by a tenant.
type FlowDefinition struct {
	Nodes []Node `json:"nodes" validate:"required,min=1,dive"`
	Edges []Edge `json:"edges" validate:"dive"`
}

// Node is one step of a flow graph.
type Node struct {
	ID   string   `json:"id" validate:"required"`
	Type NodeType `json:"type" validate:"required,oneof=start message question input condition actions handoff"`
	Data NodeData `json:"data"`
}

// NodeData is the typed payload of a node. Which fields apply depends on the node type.
type NodeData struct {
	// message, question, input, handoff
	Text string `json:"text,omitempty"`

	// message nodes suspend after sending when Capture is set.
	Capture  bool   `json:"capture,omitempty"`
	Variable string `json:"variable,omitempty"`

	// question, input
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"gte=0"`
	InputType      string `json:"input_type,omitempty" validate:"omitempty,oneof=text number email phone"`
	RetryText      string `json:"retry_text,omitempty"`

	// condition
	Rules []ConditionRule `json:"rules,omitempty" validate:"dive"`

	// actions
	Actions Actions `json:"actions,omitempty"`

	// handoff
	Queue string `json:"queue,omitempty"`
}

// ConditionRule is one branch of a condition node. ID doubles as the edge handle.
type ConditionRule struct {
	ID       string `json:"id" validate:"required"`
	Variable string `json:"variable" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    string `json:"value,omitempty"`
}

// Edge connects two nodes. Handle selects condition branches and special edges.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
	Handle string `json:"handle,omitempty"`
}

// Node returns the node with the given id.
func (f *FlowDefinition) Node(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// Start returns the start node.
func (f *FlowDefinition) Start() (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].Type == NodeStart {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// Next returns the target of the node's regular outgoing edge, ignoring timeout edges.
func (f *FlowDefinition) Next(nodeID string) (string, bool) {
	for _, e := range f.Edges {
		if e.Source == nodeID && e.Handle != HandleTimeout {
			return e.Target, true
		}
	}
	return "", false
}

// Branch returns the target of the outgoing edge labeled with handle.
func (f *FlowDefinition) Branch(nodeID, handle string) (string, bool) {
	for _, e := range f.Edges {
		if e.Source == nodeID && e.Handle == handle {
			return e.Target, true
		}
	}
	return "", false
}

// Fallback returns the target of the else/default edge of a condition node.
func (f *FlowDefinition) Fallback(nodeID string) (string, bool) {
	if target, ok := f.Branch(nodeID, HandleElse); ok {
		return target, true
	}
	return f.Branch(nodeID, HandleDefault)
}

// Session is the persistent cursor of one contact's run through a bot's flow.
// One per (bot, contact key, instance).
type Session struct {
	ID             string            `json:"id"`
	BotID          string            `json:"bot_id"`
	TenantID       string            `json:"tenant_id"`
	InstanceID     string            `json:"instance_id"`
	ContactKey     string            `json:"contact_key"`
	ConversationID string            `json:"conversation_id"`
	CurrentNodeID  string            `json:"current_node_id"`
	Variables      map[string]string `json:"variables"`

	// ExecCount counts nodes entered since the last contact reply.
	ExecCount int `json:"exec_count"`

	// Suspend is set while the session awaits a free-text reply.
	Suspend *SuspendState `json:"suspend,omitempty"`

	TimeoutAt     *time.Time `json:"timeout_at,omitempty"`
	TimeoutNodeID string     `json:"timeout_node_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuspendState marks a session waiting for a reply bound to Variable.
type SuspendState struct {
	NodeID   string `json:"node_id"`
	Variable string `json:"variable,omitempty"`
	Waiting  bool   `json:"waiting"`
	Attempts int    `json:"attempts,omitempty"`
}

// Waiting reports whether the session is suspended on a reply.
func (s *Session) Waiting() bool {
	return s.Suspend != nil && s.Suspend.Waiting
}

// ClearTimeout disarms the node deadline.
func (s *Session) ClearTimeout() {
	s.TimeoutAt = nil
	s.TimeoutNodeID = ""
}
