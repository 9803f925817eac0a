package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/pkg/logger"
)

const (
	// StreamName is the name of the real-time events stream.
	StreamName = "CHAT"

	// SubjectPrefix is the prefix for all event subjects.
	SubjectPrefix = "chat"

	// noConversation fills the conversation token of instance-level events.
	noConversation = "_"
)

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Emitter publishes conversation events to JetStream and fans them out to
// live subscribers.
type Emitter struct {
	client *Client
	logger *logger.Logger
}

// NewEmitter creates a new emitter.
func NewEmitter(client *Client, log *logger.Logger) *Emitter {
	return &Emitter{client: client, logger: log.Named("realtime")}
}

// EnsureStream ensures the events stream exists with proper configuration.
func (e *Emitter) EnsureStream(ctx context.Context) error {
	js := e.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Real-time conversation events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(tenantID, conversationID string, eventType model.EventType) string {
	conv := noConversation
	if conversationID != "" {
		conv = subjectToken.Replace(conversationID)
	}
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, subjectToken.Replace(tenantID), conv, eventType)
}

// ConversationFilter returns the filter subject for all events of a conversation.
func ConversationFilter(tenantID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, subjectToken.Replace(tenantID), subjectToken.Replace(conversationID))
}

// TenantFilter returns the filter subject for all events of a tenant.
func TenantFilter(tenantID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, subjectToken.Replace(tenantID))
}

// Emit publishes an event. ID and CreatedAt are filled when empty, and
// Sequence is set from the stream acknowledgement.
func (e *Emitter) Emit(ctx context.Context, event *model.ConversationEvent) error {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubject(event.TenantID, event.ConversationID, event.Type)
	ack, err := e.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.Sequence = ack.Sequence

	e.logger.Debug("event published",
		zap.String("subject", subject),
		zap.Uint64("sequence", ack.Sequence),
	)
	return nil
}

// Subscribe delivers events matching filter to fn through an ordered consumer.
// With afterSequence > 0 delivery resumes after that stream sequence, otherwise
// only new events are delivered. Call the returned func to unsubscribe.
func (e *Emitter) Subscribe(ctx context.Context, filter string, afterSequence uint64, fn func(model.ConversationEvent)) (func(), error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := e.client.JetStream().OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", filter, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event model.ConversationEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			e.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
		}
		fn(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", filter, err)
	}
	return cc.Stop, nil
}
