// Package store defines persistence contracts for conversations, messages and bot sessions.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/capitalize-ai/chatflow/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// InstanceStore provides tenant configuration for channel instances.
type InstanceStore interface {
	GetInstance(ctx context.Context, key string) (*model.Instance, error)
	GetInstanceByID(ctx context.Context, id string) (*model.Instance, error)
}

// ConversationStore persists conversations. (tenant, instance, remote id) is unique.
type ConversationStore interface {
	GetConversation(ctx context.Context, tenantID, id string) (*model.Conversation, error)
	FindConversation(ctx context.Context, tenantID, instanceID, remoteID string) (*model.Conversation, error)
	// FindConversationByPhone matches individual chats of the tenant on any instance.
	FindConversationByPhone(ctx context.Context, tenantID, phone string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	// PatchConversation changes only the columns named by patch and returns
	// the stored row.
	PatchConversation(ctx context.Context, tenantID, id string, patch ConversationPatch) (*model.Conversation, error)
	ListConversations(ctx context.Context, find FindConversations) ([]model.Conversation, error)
}

// ConversationPatch is a column-scoped conversation update. Nil fields are
// left as stored, so concurrent writers of other columns are not reverted.
type ConversationPatch struct {
	Name       *string
	GroupTitle *string
	AvatarURL  *string
	Status     *model.ConversationStatus
	// Assignee sets the assigned user; an empty string clears it.
	Assignee *string
	QueueID  *string

	// AddTags are appended unless present; RemoveTags are dropped afterwards.
	AddTags    []string
	RemoveTags []string

	LastMessage   *string
	LastMessageAt *time.Time
	UnreadDelta   int

	UpdatedAt time.Time
}

// Apply applies the patch to c in memory, the same way the drivers apply it
// to the stored row.
func (p ConversationPatch) Apply(c *model.Conversation) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.GroupTitle != nil {
		title := *p.GroupTitle
		c.GroupTitle = &title
	}
	if p.AvatarURL != nil {
		c.AvatarURL = *p.AvatarURL
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.Assignee != nil {
		c.AssignedUserID = nil
		if user := *p.Assignee; user != "" {
			c.AssignedUserID = &user
		}
	}
	if p.QueueID != nil {
		queue := *p.QueueID
		c.QueueID = &queue
	}
	if len(p.AddTags) > 0 || len(p.RemoveTags) > 0 {
		tags := make([]string, 0, len(c.Tags)+len(p.AddTags))
		for _, t := range append(append([]string(nil), c.Tags...), p.AddTags...) {
			if !slices.Contains(tags, t) && !slices.Contains(p.RemoveTags, t) {
				tags = append(tags, t)
			}
		}
		c.Tags = tags
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastMessageAt != nil {
		c.LastMessageAt = *p.LastMessageAt
	}
	c.UnreadCount += p.UnreadDelta
	if !p.UpdatedAt.IsZero() {
		c.UpdatedAt = p.UpdatedAt
	}
}

// FindConversations filters ListConversations.
type FindConversations struct {
	TenantID string
	Status   model.ConversationStatus
	Limit    int
	Offset   int
}

// MessageStore persists messages. external_id is globally unique.
type MessageStore interface {
	// InsertMessage inserts msg unless its external id already exists, in
	// which case it reports inserted=false and leaves the store untouched.
	InsertMessage(ctx context.Context, msg *model.Message) (inserted bool, err error)
	FindMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error)
	UpdateMessageMedia(ctx context.Context, id, mediaURL string) error
	SetMessageReaction(ctx context.Context, id, senderID, emoji string) error
	ListMessages(ctx context.Context, find FindMessages) ([]model.Message, error)
}

// FindMessages filters ListMessages. Results are ordered by sent time, newest last.
type FindMessages struct {
	TenantID       string
	ConversationID string
	Before         *time.Time
	Limit          int
}

// BotStore provides published flow graphs.
type BotStore interface {
	FindPublishedBot(ctx context.Context, tenantID, instanceID string) (*model.Bot, error)
	GetBot(ctx context.Context, tenantID, id string) (*model.Bot, error)
}

// SessionStore persists flow sessions. (bot, contact key, instance) is unique.
type SessionStore interface {
	GetSession(ctx context.Context, botID, contactKey, instanceID string) (*model.Session, error)
	FindSessionByContact(ctx context.Context, tenantID, instanceID, contactKey string) (*model.Session, error)
	SaveSession(ctx context.Context, sess *model.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]model.Session, error)
}

// VariableStore persists per-conversation variables.
type VariableStore interface {
	SetVariable(ctx context.Context, conversationID, name, value string) error
	ListVariables(ctx context.Context, conversationID string) (map[string]string, error)
}

// QueueStore resolves tenant queues by name, creating them on first use.
type QueueStore interface {
	ResolveQueue(ctx context.Context, tenantID, name string) (string, error)
}

// Store is the full persistence surface used by the core.
type Store interface {
	InstanceStore
	ConversationStore
	MessageStore
	BotStore
	SessionStore
	VariableStore
	QueueStore

	Ping(ctx context.Context) error
	Close()
}
