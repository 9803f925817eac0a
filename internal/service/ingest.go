package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/ingest"
	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/tenant"
	"github.com/capitalize-ai/chatflow/pkg/logger"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
	"github.com/capitalize-ai/chatflow/pkg/tracing"
)

// Resolver maps provider instance keys to tenants.
type Resolver interface {
	Resolve(ctx context.Context, key string) (model.Instance, error)
}

// IngestService runs classified provider events through reconciliation,
// storage and fan-out.
type IngestService struct {
	resolver      Resolver
	conversations *ConversationService
	messages      *MessageService
	automation    *AutomationTrigger
	post          *PostProcessor
	emitter       Emitter
	logger        *logger.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// IngestDeps are the collaborators of the ingest pipeline. Automation and Post are optional.
type IngestDeps struct {
	Resolver      Resolver
	Conversations *ConversationService
	Messages      *MessageService
	Automation    *AutomationTrigger
	Post          *PostProcessor
	Emitter       Emitter
}

// NewIngestService creates the ingest pipeline.
func NewIngestService(deps IngestDeps, log *logger.Logger) *IngestService {
	if deps.Emitter == nil {
		deps.Emitter = nopEmitter{}
	}
	return &IngestService{
		resolver:      deps.Resolver,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		automation:    deps.Automation,
		post:          deps.Post,
		emitter:       deps.Emitter,
		logger:        log.Named("ingest"),
		tracer:        tracing.Tracer("chatflow/ingest"),
		now:           time.Now,
	}
}

// Handle processes one provider envelope. Events that must be dropped (unknown
// instance, invalid identity, unknown kind) are logged and return nil.
func (s *IngestService) Handle(ctx context.Context, env ingest.Envelope) error {
	start := time.Now()
	ev, err := ingest.Classify(env)
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	if err != nil {
		s.drop("malformed", env.Instance, zap.String("event", env.Event), zap.Error(err))
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "ingest.Handle", trace.WithAttributes(
		attribute.String("event", ev.Name),
		attribute.String("kind", string(ev.Kind)),
		attribute.String("instance", ev.InstanceKey),
	))
	defer span.End()

	switch ev.Kind {
	case ingest.KindMessage:
		err = s.handleMessage(ctx, ev)
	case ingest.KindReaction:
		err = s.handleReaction(ctx, ev)
	case ingest.KindStatus:
		err = s.handleStatus(ctx, ev)
	case ingest.KindConnection:
		err = s.handleConnection(ctx, ev)
	case ingest.KindGroupUpdate:
		err = s.handleGroupUpdate(ctx, ev)
	default:
		s.drop("unknown_event", ev.InstanceKey, zap.String("event", env.Event))
		metrics.RecordIngest(string(ev.Kind), "dropped", time.Since(start).Seconds())
		return nil
	}

	status := "ok"
	switch {
	case errors.Is(err, ingest.ErrUnresolvedInstance), errors.Is(err, ingest.ErrInvalidIdentity):
		reason := "invalid_identity"
		if errors.Is(err, ingest.ErrUnresolvedInstance) {
			reason = "unresolved_instance"
		}
		s.drop(reason, ev.InstanceKey, zap.String("event", ev.Name), zap.Error(err))
		status, err = "dropped", nil
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordIngest(string(ev.Kind), status, time.Since(start).Seconds())
	return err
}

func (s *IngestService) handleMessage(ctx context.Context, ev ingest.Event) error {
	data := ev.Message
	inst, contact, err := s.contact(ctx, ev.InstanceKey, data.Key)
	if err != nil {
		return err
	}
	contact.Direction = ingest.Direction(ev)
	contact.PushName = data.PushName
	contact.GroupTitle = data.GroupSubject

	rec, err := s.conversations.Reconcile(ctx, contact)
	if err != nil {
		return err
	}
	conv := rec.Conversation

	content := ingest.Extract(data)
	msg := &model.Message{
		ProviderID: data.Key.ID,
		Direction:  contact.Direction,
		Type:       content.Type,
		Content:    content.Text,
		SenderID:   ingest.SenderID(data.Key, contact.Identity),
		SenderName: strings.TrimSpace(data.PushName),
		SentAt:     data.MessageTimestamp.Time(s.now()),
	}
	if content.MediaURL != "" {
		msg.MediaURL = &content.MediaURL
	}

	stored, outcome, err := s.messages.Store(ctx, conv, msg)
	if errors.Is(err, ErrMissingExternalID) {
		s.drop("missing_external_id", ev.InstanceKey, zap.String("conversation_id", conv.ID))
		return nil
	}
	if err != nil {
		return err
	}

	counted := outcome != OutcomeDuplicate
	if err := s.conversations.Refresh(ctx, conv, stored, ingest.Preview(content), counted); err != nil {
		return err
	}

	log := s.logger.WithTenant(conv.TenantID, conv.InstanceID)
	log.Debug("message stored",
		zap.String("conversation_id", conv.ID),
		zap.String("external_id", stored.ExternalID),
		zap.String("direction", string(stored.Direction)),
		zap.String("outcome", string(outcome)),
	)

	if outcome == OutcomeDuplicate {
		return nil
	}
	if s.automation != nil && stored.Direction == model.DirectionInbound {
		s.automation.Dispatch(ctx, conv, stored, rec.Fresh())
	}
	if s.post != nil {
		s.post.Run(ctx, inst, conv, stored, rec.Created)
	}
	return nil
}

func (s *IngestService) handleReaction(ctx context.Context, ev ingest.Event) error {
	data := ev.Message
	reaction := data.Message.Reaction
	_, contact, err := s.contact(ctx, ev.InstanceKey, data.Key)
	if err != nil {
		return err
	}
	conv, err := s.conversations.Find(ctx, contact)
	if err != nil {
		return fmt.Errorf("reaction for unknown conversation %s: %w", contact.Identity.RemoteID, err)
	}

	senderID := ingest.SenderID(data.Key, contact.Identity)
	if ingest.Direction(ev) == model.DirectionOutbound {
		senderID = "me"
	}
	_, err = s.messages.ApplyReaction(ctx, conv, reaction.Key.ID, senderID, reaction.Text)
	return err
}

func (s *IngestService) handleStatus(ctx context.Context, ev ingest.Event) error {
	inst, err := s.resolve(ctx, ev.InstanceKey)
	if err != nil {
		return err
	}
	st := ev.Status
	event := &model.ConversationEvent{
		Type:     model.EventMessageStatus,
		TenantID: inst.TenantID,
		Metadata: map[string]any{
			"external_id": st.ExternalID(),
			"status":      st.Status,
		},
	}

	remote := st.RemoteJID
	if remote == "" && st.Key != nil {
		remote = st.Key.RemoteJID
	}
	if id, err := ingest.NormalizeRemoteID(ingest.MessageKey{RemoteJID: remote}, inst.Channel); err == nil {
		contact := Contact{TenantID: inst.TenantID, InstanceID: inst.ID, Channel: inst.Channel, Identity: id}
		if conv, err := s.conversations.Find(ctx, contact); err == nil {
			event.ConversationID = conv.ID
			if msg, err := s.messages.Lookup(ctx, conv, st.ExternalID()); err == nil {
				event.Message = msg
			}
		}
	}
	return s.emit(ctx, event)
}

func (s *IngestService) handleConnection(ctx context.Context, ev ingest.Event) error {
	inst, err := s.resolve(ctx, ev.InstanceKey)
	if err != nil {
		return err
	}
	s.logger.WithTenant(inst.TenantID, inst.ID).Info("instance connection changed",
		zap.String("state", ev.Connection.State),
		zap.Int("status_reason", ev.Connection.StatusReason),
	)
	return s.emit(ctx, &model.ConversationEvent{
		Type:     model.EventInstanceConnection,
		TenantID: inst.TenantID,
		Metadata: map[string]any{
			"instance_id":   inst.ID,
			"state":         ev.Connection.State,
			"status_reason": ev.Connection.StatusReason,
		},
	})
}

func (s *IngestService) handleGroupUpdate(ctx context.Context, ev ingest.Event) error {
	_, contact, err := s.contact(ctx, ev.InstanceKey, ingest.MessageKey{RemoteJID: ev.Group.ID})
	if err != nil {
		return err
	}
	if !contact.Identity.IsGroup || ev.Group.Subject == "" {
		return nil
	}
	conv, err := s.conversations.Find(ctx, contact)
	if err != nil {
		// nothing to refresh until the group sends a message
		return nil
	}
	_, err = s.conversations.SetGroupTitle(ctx, conv, ev.Group.Subject)
	return err
}

func (s *IngestService) contact(ctx context.Context, instanceKey string, key ingest.MessageKey) (model.Instance, Contact, error) {
	inst, err := s.resolve(ctx, instanceKey)
	if err != nil {
		return inst, Contact{}, err
	}
	id, err := ingest.NormalizeRemoteID(key, inst.Channel)
	if err != nil {
		return inst, Contact{}, err
	}
	return inst, Contact{
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Channel:    inst.Channel,
		Identity:   id,
	}, nil
}

func (s *IngestService) resolve(ctx context.Context, key string) (model.Instance, error) {
	inst, err := s.resolver.Resolve(ctx, key)
	if errors.Is(err, tenant.ErrUnknownInstance) {
		return inst, fmt.Errorf("%w: %q", ingest.ErrUnresolvedInstance, key)
	}
	return inst, err
}

func (s *IngestService) emit(ctx context.Context, event *model.ConversationEvent) error {
	if err := s.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("failed to emit %s: %w", event.Type, err)
	}
	return nil
}

func (s *IngestService) drop(reason, instance string, fields ...zap.Field) {
	metrics.EventsDroppedTotal.WithLabelValues(reason).Inc()
	s.logger.Info("event dropped", append([]zap.Field{
		zap.String("reason", reason),
		zap.String("instance", instance),
	}, fields...)...)
}
