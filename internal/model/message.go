package model

import (
	"time"
)

// Direction is the flow of a message relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType is the declared content type of a message.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageImage       MessageType = "image"
	MessageAudio       MessageType = "audio"
	MessageVideo       MessageType = "video"
	MessageDocument    MessageType = "document"
	MessageSticker     MessageType = "sticker"
	MessageLocation    MessageType = "location"
	MessageContact     MessageType = "contact"
	MessageButtonReply MessageType = "button_reply"
	MessageListReply   MessageType = "list_reply"
	MessageReaction    MessageType = "reaction"
	MessageUnknown     MessageType = "unknown"
)

// HasMedia reports whether messages of this type carry a downloadable attachment.
func (t MessageType) HasMedia() bool {
	switch t {
	case MessageImage, MessageAudio, MessageVideo, MessageDocument, MessageSticker:
		return true
	}
	return false
}

// Message is one stored provider event that carries content.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`

	// ExternalID is the stored idempotency key. It equals ProviderID unless the
	// provider id collided with another tenant's message.
	ExternalID string `json:"external_id"`
	ProviderID string `json:"provider_id"`

	// Content
	Direction  Direction   `json:"direction"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	SenderID   string      `json:"sender_id,omitempty"`
	SenderName string      `json:"sender_name,omitempty"`
	MediaURL   *string     `json:"media_url,omitempty"`

	// Reactions maps sender id to emoji.
	Reactions map[string]string `json:"reactions,omitempty"`

	// Timestamps
	SentAt    time.Time `json:"sent_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
