package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/constants"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RoutingKeyPrefix prefixes every routing key: chatrelay.<event_type>.
const RoutingKeyPrefix = "chatrelay."

// Event is one relay event mirrored onto the bus.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"event_type"`
	PhoneNumber string          `json:"phone_number"`
	OccurredAt  time.Time       `json:"occurred_at"`
	RequestID   string          `json:"request_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEvent wraps an already-serialized payload.
func NewEvent(eventType, phone string, payload []byte, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		PhoneNumber: phone,
		OccurredAt:  at.UTC(),
		Payload:     json.RawMessage(payload),
	}
}

// Publisher mirrors relay events to subscribers outside the process.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// RoutingKey returns the topic key for eventType.
func RoutingKey(eventType string) string {
	return RoutingKeyPrefix + eventType
}

func buildPublishing(ev Event) (amqp.Publishing, error) {
	if ev.Type == "" {
		return amqp.Publishing{}, fmt.Errorf("event type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	correlationID := ev.RequestID
	if correlationID == "" {
		correlationID = ev.ID
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.ID,
		CorrelationId: correlationID,
		Type:          ev.Type,
		Timestamp:     ev.OccurredAt,
		AppId:         "chatrelay",
		Body:          body,
	}, nil
}

// AMQPPublisher publishes events to a durable topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	exchange string
	logger   logrus.FieldLogger
}

// NewAMQPPublisher dials url and declares exchange (topic, durable).
func NewAMQPPublisher(url, exchange string, logger logrus.FieldLogger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = constants.DefaultAMQPExchange
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, exchange: exchange, logger: logger}, nil
}

// Publish sends ev and waits for the broker confirm.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := buildPublishing(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("broker connection closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}

	key := RoutingKey(ev.Type)
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm %s: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", key)
	}

	p.logger.WithFields(logrus.Fields{
		"exchange":    p.exchange,
		"routing_key": key,
		"message_id":  msg.MessageId,
	}).Debug("Event published")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
