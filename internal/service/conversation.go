package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/ingest"
	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/logger"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
)

// Contact is the reconciled identity of one event.
type Contact struct {
	TenantID   string
	InstanceID string
	Channel    model.ChannelKind
	Identity   ingest.Identity
	Direction  model.Direction

	// PushName is the sender's self-chosen display name.
	PushName string
	// GroupTitle is the payload-supplied subject of a group chat.
	GroupTitle string
}

// ConversationService handles conversation reconciliation.
type ConversationService struct {
	store   store.ConversationStore
	emitter Emitter
	logger  *logger.Logger
	now     func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(s store.ConversationStore, emitter Emitter, log *logger.Logger) *ConversationService {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &ConversationService{
		store:   s,
		emitter: emitter,
		logger:  log.Named("conversations"),
		now:     time.Now,
	}
}

// Reconciliation is the result of Reconcile.
type Reconciliation struct {
	Conversation *model.Conversation
	Created      bool
	// Reopened is set when a CLOSED conversation was demoted to PENDING.
	Reopened bool
}

// Fresh reports whether the conversation starts a new thread of contact.
func (r Reconciliation) Fresh() bool {
	return r.Created || r.Reopened
}

// Reconcile finds or creates the conversation for c and applies the status and
// naming policies.
func (s *ConversationService) Reconcile(ctx context.Context, c Contact) (Reconciliation, error) {
	conv, err := s.lookup(ctx, c)
	switch {
	case errors.Is(err, store.ErrNotFound):
		var created bool
		conv, created, err = s.create(ctx, c)
		if err != nil {
			return Reconciliation{}, err
		}
		if created {
			return Reconciliation{Conversation: conv, Created: true}, nil
		}
	case err != nil:
		return Reconciliation{}, fmt.Errorf("failed to find conversation: %w", err)
	}

	res := Reconciliation{Conversation: conv}
	var patch store.ConversationPatch
	changed := false
	if conv.Status == model.StatusClosed {
		pending, unassigned := model.StatusPending, ""
		patch.Status, patch.Assignee = &pending, &unassigned
		res.Reopened, changed = true, true
	}
	if s.applyNames(conv, c) {
		patch.Name = &conv.Name
		if conv.IsGroup {
			patch.GroupTitle = conv.GroupTitle
		}
		changed = true
	}
	if !changed {
		return res, nil
	}

	patch.UpdatedAt = s.now()
	updated, err := s.store.PatchConversation(ctx, conv.TenantID, conv.ID, patch)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("failed to update conversation: %w", err)
	}
	res.Conversation = updated
	if res.Reopened {
		s.logger.Info("conversation reopened",
			zap.String("tenant_id", conv.TenantID),
			zap.String("conversation_id", conv.ID),
		)
	}
	return res, nil
}

// Refresh applies the last-message preview and timestamp. Unread is bumped for
// inbound messages that were newly stored.
func (s *ConversationService) Refresh(ctx context.Context, conv *model.Conversation, msg *model.Message, preview string, counted bool) error {
	patch := store.ConversationPatch{
		LastMessageAt: &msg.SentAt,
		UpdatedAt:     s.now(),
	}
	if preview != "" {
		patch.LastMessage = &preview
	}
	if counted && msg.Direction == model.DirectionInbound {
		patch.UnreadDelta = 1
	}

	updated, err := s.store.PatchConversation(ctx, conv.TenantID, conv.ID, patch)
	if err != nil {
		return fmt.Errorf("failed to refresh conversation: %w", err)
	}
	*conv = *updated
	s.emitUpdated(ctx, conv)
	return nil
}

// SetGroupTitle stores title when it passes the usable-title filter.
func (s *ConversationService) SetGroupTitle(ctx context.Context, conv *model.Conversation, title string) (bool, error) {
	title = strings.TrimSpace(title)
	if !conv.IsGroup || !ingest.UsableGroupTitle(title) {
		return false, nil
	}
	if conv.GroupTitle != nil && *conv.GroupTitle == title {
		return false, nil
	}
	updated, err := s.store.PatchConversation(ctx, conv.TenantID, conv.ID, store.ConversationPatch{
		GroupTitle: &title,
		Name:       &title,
		UpdatedAt:  s.now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to update group title: %w", err)
	}
	*conv = *updated
	s.emitUpdated(ctx, conv)
	return true, nil
}

// SetAvatar stores the contact picture.
func (s *ConversationService) SetAvatar(ctx context.Context, conv *model.Conversation, url string) error {
	if url == "" || conv.AvatarURL == url {
		return nil
	}
	updated, err := s.store.PatchConversation(ctx, conv.TenantID, conv.ID, store.ConversationPatch{
		AvatarURL: &url,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to update avatar: %w", err)
	}
	*conv = *updated
	s.emitUpdated(ctx, conv)
	return nil
}

// Find returns the existing conversation of c without creating one.
func (s *ConversationService) Find(ctx context.Context, c Contact) (*model.Conversation, error) {
	return s.lookup(ctx, c)
}

// Get returns a conversation of the tenant.
func (s *ConversationService) Get(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	return s.store.GetConversation(ctx, tenantID, id)
}

func (s *ConversationService) lookup(ctx context.Context, c Contact) (*model.Conversation, error) {
	conv, err := s.store.FindConversation(ctx, c.TenantID, c.InstanceID, c.Identity.RemoteID)
	if !errors.Is(err, store.ErrNotFound) || c.Identity.IsGroup || c.Identity.Phone == "" {
		return conv, err
	}
	// the same person may have written to another instance of the tenant
	return s.store.FindConversationByPhone(ctx, c.TenantID, c.Identity.Phone)
}

func (s *ConversationService) create(ctx context.Context, c Contact) (*model.Conversation, bool, error) {
	now := s.now()
	conv := &model.Conversation{
		ID:         uuid.Must(uuid.NewV7()).String(),
		TenantID:   c.TenantID,
		InstanceID: c.InstanceID,
		Channel:    c.Channel,
		RemoteID:   c.Identity.RemoteID,
		Phone:      c.Identity.Phone,
		IsGroup:    c.Identity.IsGroup,
		Status:     model.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if conv.IsGroup {
		conv.Channel = model.ChannelGroup
	}
	s.applyNames(conv, c)
	if conv.Name == "" {
		conv.Name = fallbackName(conv)
	}

	err := s.store.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrConflict) {
		// a concurrent event created it first
		winner, err := s.store.FindConversation(ctx, c.TenantID, c.InstanceID, c.Identity.RemoteID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to re-read conversation: %w", err)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	metrics.ConversationsTotal.WithLabelValues(conv.TenantID).Inc()
	s.logger.Info("conversation created",
		zap.String("tenant_id", conv.TenantID),
		zap.String("instance_id", conv.InstanceID),
		zap.String("conversation_id", conv.ID),
		zap.Bool("is_group", conv.IsGroup),
	)
	return conv, true, nil
}

// applyNames fills the display name of individual chats while it is still a
// placeholder, and accepts usable group titles. It reports whether conv changed.
func (s *ConversationService) applyNames(conv *model.Conversation, c Contact) bool {
	if conv.IsGroup {
		title := strings.TrimSpace(c.GroupTitle)
		if !ingest.UsableGroupTitle(title) || (conv.GroupTitle != nil && *conv.GroupTitle == title) {
			return false
		}
		conv.GroupTitle = &title
		conv.Name = title
		return true
	}

	// outbound pushNames belong to the tenant's own account
	name := strings.TrimSpace(c.PushName)
	if c.Direction != model.DirectionInbound || name == "" || name == conv.Name {
		return false
	}
	if !placeholderName(conv) {
		return false
	}
	conv.Name = name
	return true
}

func placeholderName(conv *model.Conversation) bool {
	switch conv.Name {
	case "", conv.Phone, conv.RemoteID:
		return true
	}
	return false
}

func fallbackName(conv *model.Conversation) string {
	if conv.Phone != "" {
		return conv.Phone
	}
	return conv.RemoteID
}

func (s *ConversationService) emitUpdated(ctx context.Context, conv *model.Conversation) {
	snapshot := *conv
	err := s.emitter.Emit(ctx, &model.ConversationEvent{
		Type:           model.EventConversationUpdate,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Conversation:   &snapshot,
	})
	if err != nil {
		s.logger.Warn("failed to emit conversation update",
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
	}
}
