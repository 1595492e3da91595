package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/all-erp/lib-erpevents/erpevents/event"
	"github.com/all-erp/lib-erpevents/erpevents/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNilEnvelope is returned when Publish receives a nil envelope.
var ErrNilEnvelope = errors.New("event envelope is nil")

// Publish sends an envelope to an exchange under the given routing key. An
// empty routing key defaults to the envelope's event type, which is the
// convention for the topic exchange. Messages are persistent so they survive
// broker restarts.
//
// A non-nil error means the message may not have reached the broker and the
// caller must not treat the event as delivered.
func (conn *Connection) Publish(ctx context.Context, exchange, routingKey string, envelope *event.Envelope) error {
	if conn == nil {
		return ErrNilConnection
	}

	if envelope == nil {
		return ErrNilEnvelope
	}

	if ctx == nil {
		ctx = context.Background()
	}

	channel, err := conn.Channel()
	if err != nil {
		return err
	}

	if exchange == "" {
		exchange = DefaultExchange
	}

	if routingKey == "" {
		routingKey = envelope.EventType
	}

	conn.mu.Lock()
	logger := conn.Logger
	conn.mu.Unlock()

	if err := publishEnvelope(ctx, channel, exchange, routingKey, envelope); err != nil {
		logger.Log(ctx, log.LevelError, "failed to publish event",
			log.String("event_type", envelope.EventType),
			log.String("event_id", envelope.EventID),
			log.String("error_detail", sanitizeAMQPErr(err, conn.URL)))

		return err
	}

	logger.Log(ctx, log.LevelDebug, "event published",
		log.String("event_type", envelope.EventType),
		log.String("event_id", envelope.EventID),
		log.String("exchange", exchange),
		log.String("routing_key", routingKey))

	return nil
}

// publishEnvelope serializes and sends one envelope on the given channel.
func publishEnvelope(ctx context.Context, channel AMQPChannel, exchange, routingKey string, envelope *event.Envelope) error {
	if channel == nil {
		return ErrNilChannel
	}

	body, err := envelope.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.EventID,
		Type:         envelope.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish to exchange %s: %w", exchange, err)
	}

	return nil
}
