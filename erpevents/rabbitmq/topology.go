package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/all-erp/lib-erpevents/erpevents/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchange is the topic exchange events are published to.
	DefaultExchange = "amq.topic"

	// DeadLetterExchange receives messages that exhausted their redelivery
	// budget. DeadLetterQueue collects them for manual inspection.
	DeadLetterExchange = "events.dlx"
	DeadLetterQueue    = "events.dlq"

	// RedeliveryCountHeader tracks how many times a delivery has been
	// retried by a consumer before being dead-lettered.
	RedeliveryCountHeader = "x-redelivery-count"
)

// ErrNilChannel is returned when topology declaration receives a nil channel.
var ErrNilChannel = errors.New("amqp channel is nil")

// AMQPChannel is the subset of *amqp.Channel used for topology declaration
// and consumption. Kept narrow so tests can substitute a fake.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// DeadLetterArgs returns the queue arguments that route rejected messages
// to the dead-letter exchange.
func DeadLetterArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
	}
}

// DeclareDeadLetterTopology declares the shared dead-letter exchange and
// queue. Declarations are idempotent; it is safe to call from every consumer.
func DeclareDeadLetterTopology(ctx context.Context, channel AMQPChannel, logger log.Logger) error {
	if channel == nil {
		return ErrNilChannel
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if err := channel.ExchangeDeclare(DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	if _, err := channel.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	if err := channel.QueueBind(DeadLetterQueue, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	logger.Log(ctx, log.LevelDebug, "dead-letter topology declared",
		log.String("exchange", DeadLetterExchange),
		log.String("queue", DeadLetterQueue))

	return nil
}

// DeclareTopology declares a durable queue bound to an exchange with a
// routing-key pattern, wiring the queue into the dead-letter exchange. The
// exchange is declared with the given kind ("topic" when empty) unless it is
// a broker built-in (amq.* names).
//
// Every declaration is idempotent, so consumers can declare their own
// topology at startup without coordination.
func DeclareTopology(ctx context.Context, channel AMQPChannel, logger log.Logger, exchange, kind, queue, bindingKey string) error {
	if channel == nil {
		return ErrNilChannel
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if exchange == "" {
		exchange = DefaultExchange
	}

	if kind == "" {
		kind = "topic"
	}

	if !isBuiltinExchange(exchange) {
		if err := channel.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	if err := DeclareDeadLetterTopology(ctx, channel, logger); err != nil {
		return err
	}

	if _, err := channel.QueueDeclare(queue, true, false, false, false, DeadLetterArgs()); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if err := channel.QueueBind(queue, bindingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s with key %s: %w", queue, exchange, bindingKey, err)
	}

	logger.Log(ctx, log.LevelInfo, "queue topology declared",
		log.String("exchange", exchange),
		log.String("queue", queue),
		log.String("binding_key", bindingKey))

	return nil
}

func isBuiltinExchange(name string) bool {
	return name == "" || name == DefaultExchange ||
		name == "amq.direct" || name == "amq.fanout" || name == "amq.headers"
}
