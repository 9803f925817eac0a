// Package automation publishes workflow trigger events to RabbitMQ.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/pkg/logger"
)

const producer = "chatflow"

// Event names published to the workflow engine.
const (
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"
	EventLeadCreated     = "lead.created"
	EventContactUpdated  = "contact.updated"
)

// Trigger notifies the external workflow engine. Implementations must not block
// the caller on broker failures for longer than ctx allows.
type Trigger interface {
	Trigger(ctx context.Context, event string, payload any) error
	Close() error
}

// Meta describes a published event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
}

// Envelope is the wire format of a published event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that Trigger copies into Meta.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// NewEnvelope wraps payload with fresh metadata.
func NewEnvelope(ctx context.Context, event string, payload any) Envelope {
	cid, _ := ctx.Value(correlationKey{}).(string)
	if cid == "" {
		cid = uuid.NewString()
	}
	return Envelope{
		Meta: Meta{
			ID:            uuid.Must(uuid.NewV7()).String(),
			Type:          event,
			Time:          time.Now().UTC(),
			CorrelationID: cid,
			Producer:      producer,
		},
		Data: payload,
	}
}

// Publisher publishes envelopes to a durable topic exchange. The routing key is
// the event name.
type Publisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *logger.Logger
}

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange string, log *logger.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{
		conn:     conn,
		exchange: exchange,
		logger:   log.Named("automation"),
	}, nil
}

// Trigger publishes payload under the event routing key.
func (p *Publisher) Trigger(ctx context.Context, event string, payload any) error {
	env := NewEnvelope(ctx, event, payload)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, event, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Timestamp:     env.Meta.Time,
		Type:          event,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event, err)
	}

	p.logger.Debug("workflow event published",
		zap.String("event", event),
		zap.String("exchange", p.exchange),
		zap.String("event_id", env.Meta.ID),
	)
	return nil
}

// IsConnected reports whether the broker connection is open.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Close closes the broker connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Trigger(context.Context, string, any) error { return nil }

func (Nop) Close() error { return nil }
