package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/logger"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
)

// ErrMissingExternalID is returned for messages without a provider id.
var ErrMissingExternalID = errors.New("message has no external id")

// StoreOutcome is how a delivery was persisted.
type StoreOutcome string

const (
	OutcomeInserted      StoreOutcome = "inserted"
	OutcomeDuplicate     StoreOutcome = "duplicate"
	OutcomeDisambiguated StoreOutcome = "disambiguated"
)

// DisambiguatedKey is the stored key of a provider id reused by another tenant or conversation.
func DisambiguatedKey(externalID, tenantID, conversationID string) string {
	return fmt.Sprintf("%s_%s_%s", externalID, tenantID, conversationID)
}

// MessageService handles message persistence.
type MessageService struct {
	store   store.MessageStore
	emitter Emitter
	logger  *logger.Logger
	now     func() time.Time
}

// NewMessageService creates a new message service.
func NewMessageService(s store.MessageStore, emitter Emitter, log *logger.Logger) *MessageService {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &MessageService{
		store:   s,
		emitter: emitter,
		logger:  log.Named("messages"),
		now:     time.Now,
	}
}

// Store persists msg exactly once per logical delivery. msg.ProviderID must be
// set. A redelivery returns the stored row and re-emits it; a provider id
// already used by another tenant or conversation is stored under a
// disambiguated key.
func (s *MessageService) Store(ctx context.Context, conv *model.Conversation, msg *model.Message) (*model.Message, StoreOutcome, error) {
	if msg.ProviderID == "" {
		return nil, "", ErrMissingExternalID
	}
	msg.ID = uuid.Must(uuid.NewV7()).String()
	msg.ConversationID = conv.ID
	msg.TenantID = conv.TenantID
	msg.ExternalID = msg.ProviderID
	msg.CreatedAt = s.now()

	inserted, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert message: %w", err)
	}
	if inserted {
		return s.stored(ctx, conv, msg, OutcomeInserted), OutcomeInserted, nil
	}

	existing, err := s.store.FindMessageByExternalID(ctx, msg.ExternalID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read existing message: %w", err)
	}
	if existing.TenantID == conv.TenantID && existing.ConversationID == conv.ID {
		return s.redelivered(ctx, conv, existing), OutcomeDuplicate, nil
	}

	s.logger.Warn("external id reused across conversations",
		zap.String("external_id", msg.ProviderID),
		zap.String("tenant_id", conv.TenantID),
		zap.String("conversation_id", conv.ID),
		zap.String("existing_tenant_id", existing.TenantID),
		zap.String("existing_conversation_id", existing.ConversationID),
	)

	msg.ExternalID = DisambiguatedKey(msg.ProviderID, conv.TenantID, conv.ID)
	inserted, err = s.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert disambiguated message: %w", err)
	}
	if !inserted {
		existing, err := s.store.FindMessageByExternalID(ctx, msg.ExternalID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read existing message: %w", err)
		}
		return s.redelivered(ctx, conv, existing), OutcomeDuplicate, nil
	}
	return s.stored(ctx, conv, msg, OutcomeDisambiguated), OutcomeDisambiguated, nil
}

// Lookup finds the message a provider id refers to within conv, following the
// disambiguated key when the plain id belongs to someone else.
func (s *MessageService) Lookup(ctx context.Context, conv *model.Conversation, providerID string) (*model.Message, error) {
	msg, err := s.store.FindMessageByExternalID(ctx, providerID)
	if err == nil && msg.TenantID == conv.TenantID && msg.ConversationID == conv.ID {
		return msg, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.store.FindMessageByExternalID(ctx, DisambiguatedKey(providerID, conv.TenantID, conv.ID))
}

// ApplyReaction records emoji from senderID on the target message. An empty
// emoji removes the sender's reaction.
func (s *MessageService) ApplyReaction(ctx context.Context, conv *model.Conversation, targetID, senderID, emoji string) (*model.Message, error) {
	msg, err := s.Lookup(ctx, conv, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to find reacted message: %w", err)
	}
	if err := s.store.SetMessageReaction(ctx, msg.ID, senderID, emoji); err != nil {
		return nil, fmt.Errorf("failed to set reaction: %w", err)
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string]string{}
	}
	if emoji == "" {
		delete(msg.Reactions, senderID)
	} else {
		msg.Reactions[senderID] = emoji
	}

	s.emit(ctx, &model.ConversationEvent{
		Type:           model.EventMessageReaction,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Message:        msg,
		Metadata:       map[string]any{"sender_id": senderID, "emoji": emoji},
	})
	return msg, nil
}

// BackfillMedia stores the resolved attachment reference of msg.
func (s *MessageService) BackfillMedia(ctx context.Context, msg *model.Message, mediaURL string) error {
	if err := s.store.UpdateMessageMedia(ctx, msg.ID, mediaURL); err != nil {
		return fmt.Errorf("failed to update media: %w", err)
	}
	msg.MediaURL = &mediaURL
	s.emit(ctx, &model.ConversationEvent{
		Type:           model.EventMessageMedia,
		TenantID:       msg.TenantID,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
	return nil
}

func (s *MessageService) stored(ctx context.Context, conv *model.Conversation, msg *model.Message, outcome StoreOutcome) *model.Message {
	metrics.MessagesTotal.WithLabelValues(conv.TenantID, string(msg.Direction), string(outcome)).Inc()
	s.emit(ctx, &model.ConversationEvent{
		Type:           model.EventMessageCreated,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Message:        msg,
	})
	return msg
}

func (s *MessageService) redelivered(ctx context.Context, conv *model.Conversation, msg *model.Message) *model.Message {
	metrics.MessagesTotal.WithLabelValues(conv.TenantID, string(msg.Direction), string(OutcomeDuplicate)).Inc()
	s.logger.Debug("duplicate delivery",
		zap.String("external_id", msg.ExternalID),
		zap.String("conversation_id", conv.ID),
	)
	s.emit(ctx, &model.ConversationEvent{
		Type:           model.EventMessageRedelivered,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Message:        msg,
	})
	return msg
}

func (s *MessageService) emit(ctx context.Context, event *model.ConversationEvent) {
	if err := s.emitter.Emit(ctx, event); err != nil {
		s.logger.Warn("failed to emit message event",
			zap.String("type", string(event.Type)),
			zap.String("conversation_id", event.ConversationID),
			zap.Error(err),
		)
	}
}
