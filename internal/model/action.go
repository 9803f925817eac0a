package model

import (
	"encoding/json"
	"fmt"
)

// ActionType names one variant of the closed set of flow actions.
type ActionType string

const (
	ActionSendMessage       ActionType = "send_message"
	ActionSetVariable       ActionType = "set_variable"
	ActionTransferQueue     ActionType = "transfer_queue"
	ActionAssignUser        ActionType = "assign_user"
	ActionCloseConversation ActionType = "close_conversation"
	ActionStartFlow         ActionType = "start_flow"
	ActionAddTag            ActionType = "add_tag"
	ActionRemoveTag         ActionType = "remove_tag"
	ActionSetStatus         ActionType = "set_status"
	ActionDelay             ActionType = "delay"
	ActionWebhook           ActionType = "webhook"
	ActionStop              ActionType = "stop"
	ActionAIReply           ActionType = "ai_reply"
)

// Action is a side effect executed by an actions node. The set of
// implementations is closed; see the Action* types below.
type Action interface {
	Type() ActionType
	action()
}

type SendMessageAction struct {
	Text string `json:"text"`
}

// SetVariableAction stores a value in the session scope. Names listed in
// ContactFields are mirrored into the contact record as well.
type SetVariableAction struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type TransferQueueAction struct {
	Queue string `json:"queue"`
}

// AssignUserAction assigns an owner and forces the conversation OPEN.
type AssignUserAction struct {
	UserID string `json:"user_id"`
}

type CloseConversationAction struct{}

// StartFlowAction replaces the running session with a session of another bot.
type StartFlowAction struct {
	BotID string `json:"bot_id"`
}

type AddTagAction struct {
	Tag string `json:"tag"`
}

type RemoveTagAction struct {
	Tag string `json:"tag"`
}

type SetStatusAction struct {
	Status ConversationStatus `json:"status"`
}

type DelayAction struct {
	Seconds int `json:"seconds"`
}

// WebhookAction calls an external HTTP endpoint with a templated body.
type WebhookAction struct {
	Method           string            `json:"method,omitempty"`
	URL              string            `json:"url"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	ResponseVariable string            `json:"response_variable,omitempty"`
}

type StopAction struct{}

// AIReplyAction asks the configured LLM to answer Prompt.
type AIReplyAction struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model,omitempty"`
	Variable string `json:"variable,omitempty"`
	Silent   bool   `json:"silent,omitempty"`
}

func (SendMessageAction) Type() ActionType       { return ActionSendMessage }
func (SetVariableAction) Type() ActionType       { return ActionSetVariable }
func (TransferQueueAction) Type() ActionType     { return ActionTransferQueue }
func (AssignUserAction) Type() ActionType        { return ActionAssignUser }
func (CloseConversationAction) Type() ActionType { return ActionCloseConversation }
func (StartFlowAction) Type() ActionType         { return ActionStartFlow }
func (AddTagAction) Type() ActionType            { return ActionAddTag }
func (RemoveTagAction) Type() ActionType         { return ActionRemoveTag }
func (SetStatusAction) Type() ActionType         { return ActionSetStatus }
func (DelayAction) Type() ActionType             { return ActionDelay }
func (WebhookAction) Type() ActionType           { return ActionWebhook }
func (StopAction) Type() ActionType              { return ActionStop }
func (AIReplyAction) Type() ActionType           { return ActionAIReply }

func (SendMessageAction) action()       {}
func (SetVariableAction) action()       {}
func (TransferQueueAction) action()     {}
func (AssignUserAction) action()        {}
func (CloseConversationAction) action() {}
func (StartFlowAction) action()         {}
func (AddTagAction) action()            {}
func (RemoveTagAction) action()         {}
func (SetStatusAction) action()         {}
func (DelayAction) action()             {}
func (WebhookAction) action()           {}
func (StopAction) action()              {}
func (AIReplyAction) action()           {}

// Actions is an ordered list of actions encoded as JSON objects with a "type" discriminator.
type Actions []Action

// UnmarshalJSON decodes each element into its concrete action type.
func (a *Actions) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Actions, 0, len(raw))
	for i, item := range raw {
		act, err := decodeAction(item)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, act)
	}
	*a = out
	return nil
}

// MarshalJSON encodes each action with its "type" discriminator.
func (a Actions) MarshalJSON() ([]byte, error) {
	out := make([]map[string]any, 0, len(a))
	for _, act := range a {
		body, err := json.Marshal(act)
		if err != nil {
			return nil, err
		}
		fields := map[string]any{}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		fields["type"] = act.Type()
		out = append(out, fields)
	}
	return json.Marshal(out)
}

func decodeAction(data []byte) (Action, error) {
	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var act Action
	switch head.Type {
	case ActionSendMessage:
		act = &SendMessageAction{}
	case ActionSetVariable:
		act = &SetVariableAction{}
	case ActionTransferQueue:
		act = &TransferQueueAction{}
	case ActionAssignUser:
		act = &AssignUserAction{}
	case ActionCloseConversation:
		act = &CloseConversationAction{}
	case ActionStartFlow:
		act = &StartFlowAction{}
	case ActionAddTag:
		act = &AddTagAction{}
	case ActionRemoveTag:
		act = &RemoveTagAction{}
	case ActionSetStatus:
		act = &SetStatusAction{}
	case ActionDelay:
		act = &DelayAction{}
	case ActionWebhook:
		act = &WebhookAction{}
	case ActionStop:
		act = &StopAction{}
	case ActionAIReply:
		act = &AIReplyAction{}
	default:
		return nil, fmt.Errorf("unknown action type %q", head.Type)
	}
	if err := json.Unmarshal(data, act); err != nil {
		return nil, err
	}
	return deref(act), nil
}

// deref stores actions by value so type switches match on the struct types.
func deref(a Action) Action {
	switch v := a.(type) {
	case *SendMessageAction:
		return *v
	case *SetVariableAction:
		return *v
	case *TransferQueueAction:
		return *v
	case *AssignUserAction:
		return *v
	case *CloseConversationAction:
		return *v
	case *StartFlowAction:
		return *v
	case *AddTagAction:
		return *v
	case *RemoveTagAction:
		return *v
	case *SetStatusAction:
		return *v
	case *DelayAction:
		return *v
	case *WebhookAction:
		return *v
	case *StopAction:
		return *v
	case *AIReplyAction:
		return *v
	}
	return a
}
