// Package model defines data structures for the chat automation platform.
package model

import (
	"time"
)

// ConversationStatus is the queue state of a conversation.
type ConversationStatus string

const (
	StatusPending ConversationStatus = "PENDING"
	StatusOpen    ConversationStatus = "OPEN"
	StatusClosed  ConversationStatus = "CLOSED"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusOpen, StatusClosed:
		return true
	}
	return false
}

// ChannelKind distinguishes individual chats, groups and non-WhatsApp channels.
type ChannelKind string

const (
	ChannelIndividual ChannelKind = "individual"
	ChannelGroup      ChannelKind = "group"
	ChannelAlternate  ChannelKind = "alternate"
)

// Conversation is one thread per (tenant, instance, canonical remote id).
type Conversation struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	InstanceID string      `json:"instance_id"`
	Channel    ChannelKind `json:"channel"`
	RemoteID   string      `json:"remote_id"`

	// Phone is the normalized phone number for individual chats, empty otherwise.
	Phone      string  `json:"phone,omitempty"`
	Name       string  `json:"name"`
	IsGroup    bool    `json:"is_group"`
	GroupTitle *string `json:"group_title,omitempty"`
	AvatarURL  string  `json:"avatar_url,omitempty"`

	AssignedUserID *string            `json:"assigned_user_id,omitempty"`
	QueueID        *string            `json:"queue_id,omitempty"`
	Status         ConversationStatus `json:"status"`
	Tags           []string           `json:"tags,omitempty"`

	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int       `json:"unread_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports whether the conversation carries tag.
func (c *Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Instance is one connected messaging endpoint belonging to a tenant.
type Instance struct {
	Key      string      `json:"key"`
	ID       string      `json:"id"`
	TenantID string      `json:"tenant_id"`
	Name     string      `json:"name"`
	Channel  ChannelKind `json:"channel"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}
