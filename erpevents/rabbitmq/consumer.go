package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/all-erp/lib-erpevents/erpevents/event"
	"github.com/all-erp/lib-erpevents/erpevents/log"
	"github.com/all-erp/lib-erpevents/erpevents/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultMaxRedeliveries = 3

// ErrNilHandler is returned when Subscribe receives a nil handler.
var ErrNilHandler = errors.New("message handler is nil")

// Handler processes one decoded envelope. Returning an error triggers a
// bounded redelivery; once the redelivery budget is exhausted the message is
// dead-lettered instead of being retried forever.
type Handler func(ctx context.Context, envelope *event.Envelope) error

// SubscribeOption customizes consumer behavior.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	consumerTag     string
	maxRedeliveries int
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) SubscribeOption {
	return func(opts *subscribeOptions) {
		opts.consumerTag = tag
	}
}

// WithMaxRedeliveries overrides how many times a failing message is retried
// before being dead-lettered.
func WithMaxRedeliveries(maxRedeliveries int) SubscribeOption {
	return func(opts *subscribeOptions) {
		if maxRedeliveries >= 0 {
			opts.maxRedeliveries = maxRedeliveries
		}
	}
}

// Subscribe starts consuming a queue with manual acknowledgements. The
// consume loop runs on a background goroutine and stops when the context is
// canceled or the channel's delivery stream closes.
func (conn *Connection) Subscribe(ctx context.Context, queue string, handler Handler, opts ...SubscribeOption) error {
	if conn == nil {
		return ErrNilConnection
	}

	if handler == nil {
		return ErrNilHandler
	}

	if ctx == nil {
		ctx = context.Background()
	}

	options := subscribeOptions{maxRedeliveries: defaultMaxRedeliveries}
	for _, opt := range opts {
		opt(&options)
	}

	channel, err := conn.Channel()
	if err != nil {
		return err
	}

	deliveries, err := channel.Consume(queue, options.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	conn.mu.Lock()
	logger := conn.Logger
	conn.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "subscribed to queue",
		log.String("queue", queue),
		log.Int("max_redeliveries", options.maxRedeliveries))

	runtime.SafeGo(ctx, logger, "rabbitmq", "consume_"+queue, func(consumeCtx context.Context) {
		conn.consumeLoop(consumeCtx, channel, logger, queue, handler, options.maxRedeliveries, deliveries)
	})

	return nil
}

func (conn *Connection) consumeLoop(
	ctx context.Context,
	channel AMQPChannel,
	logger log.Logger,
	queue string,
	handler Handler,
	maxRedeliveries int,
	deliveries <-chan amqp.Delivery,
) {
	for {
		select {
		case <-ctx.Done():
			logger.Log(ctx, log.LevelInfo, "consume loop stopped", log.String("queue", queue))

			return
		case delivery, ok := <-deliveries:
			if !ok {
				logger.Log(ctx, log.LevelWarn, "delivery stream closed", log.String("queue", queue))

				return
			}

			handleDelivery(ctx, channel, logger, queue, handler, maxRedeliveries, delivery)
		}
	}
}

// handleDelivery applies the handler to one delivery and settles it.
//
// Failure path: while the redelivery budget allows, the message is
// republished to the same queue with an incremented redelivery counter and
// the original is acknowledged. Once the budget is spent the message is
// rejected without requeue, which routes it to the dead-letter exchange.
func handleDelivery(
	ctx context.Context,
	channel AMQPChannel,
	logger log.Logger,
	queue string,
	handler Handler,
	maxRedeliveries int,
	delivery amqp.Delivery,
) {
	envelope, err := event.Unmarshal(delivery.Body)
	if err != nil {
		logger.Log(ctx, log.LevelWarn, "dead-lettering malformed message",
			log.String("queue", queue),
			log.Err(err))

		if nackErr := delivery.Nack(false, false); nackErr != nil {
			logger.Log(ctx, log.LevelError, "failed to reject malformed message", log.Err(nackErr))
		}

		return
	}

	handlerErr := safeHandle(ctx, logger, handler, envelope)
	if handlerErr == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Log(ctx, log.LevelError, "failed to acknowledge message",
				log.String("event_id", envelope.EventID),
				log.Err(ackErr))
		}

		return
	}

	redeliveries := redeliveryCount(delivery.Headers)

	logger.Log(ctx, log.LevelWarn, "message handler failed",
		log.String("event_type", envelope.EventType),
		log.String("event_id", envelope.EventID),
		log.Int("redeliveries", redeliveries),
		log.Err(handlerErr))

	if redeliveries >= maxRedeliveries {
		logger.Log(ctx, log.LevelError, "redelivery budget exhausted, dead-lettering message",
			log.String("event_type", envelope.EventType),
			log.String("event_id", envelope.EventID))

		if nackErr := delivery.Nack(false, false); nackErr != nil {
			logger.Log(ctx, log.LevelError, "failed to dead-letter message", log.Err(nackErr))
		}

		return
	}

	if err := redeliver(ctx, channel, queue, delivery, redeliveries+1); err != nil {
		logger.Log(ctx, log.LevelError, "failed to requeue message for retry",
			log.String("event_id", envelope.EventID),
			log.Err(err))

		// Requeue at the broker so the message is not lost.
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			logger.Log(ctx, log.LevelError, "failed to requeue message", log.Err(nackErr))
		}

		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		logger.Log(ctx, log.LevelError, "failed to acknowledge retried message",
			log.String("event_id", envelope.EventID),
			log.Err(ackErr))
	}
}

// safeHandle shields the consume loop from handler panics by converting
// them to errors, so a poison message cannot kill the consumer.
func safeHandle(ctx context.Context, logger log.Logger, handler Handler, envelope *event.Envelope) (handlerErr error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Log(ctx, log.LevelError, "panic recovered",
				log.String("component", "rabbitmq"),
				log.String("operation", "handler"),
				log.String("panic", fmt.Sprintf("%v", recovered)),
				log.String("stack", string(debug.Stack())))
			handlerErr = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()

	return handler(ctx, envelope)
}

// redeliver republishes the message to the same queue through the default
// exchange with an incremented redelivery counter.
func redeliver(ctx context.Context, channel AMQPChannel, queue string, delivery amqp.Delivery, count int) error {
	headers := amqp.Table{}
	for key, value := range delivery.Headers {
		headers[key] = value
	}

	headers[RedeliveryCountHeader] = int32(count)

	publishing := amqp.Publishing{
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    delivery.MessageId,
		Type:         delivery.Type,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         delivery.Body,
	}

	if err := channel.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to republish for retry: %w", err)
	}

	return nil
}

// redeliveryCount reads the retry counter from message headers; an absent
// or malformed header counts as zero.
func redeliveryCount(headers amqp.Table) int {
	raw, ok := headers[RedeliveryCountHeader]
	if !ok {
		return 0
	}

	switch value := raw.(type) {
	case int32:
		return int(value)
	case int64:
		return int(value)
	case int:
		return value
	default:
		return 0
	}
}
