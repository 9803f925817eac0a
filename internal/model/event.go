package model

import (
	"time"
)

// EventType represents the type of real-time conversation event.
type EventType string

const (
	EventMessageCreated     EventType = "message.created"
	EventMessageRedelivered EventType = "message.redelivered"
	EventMessageStatus      EventType = "message.status"
	EventMessageReaction    EventType = "message.reaction"
	EventMessageMedia       EventType = "message.media"
	EventConversationUpdate EventType = "conversation.updated"
	EventInstanceConnection EventType = "instance.connection"
	EventFlowError          EventType = "flow.error"
)

// ConversationEvent is published to real-time observers.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	TenantID       string         `json:"tenant_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason,omitempty"`
	Message        *Message       `json:"message,omitempty"`
	Conversation   *Conversation  `json:"conversation,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
