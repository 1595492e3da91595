package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/all-erp/lib-erpevents/erpevents/backoff"
	"github.com/all-erp/lib-erpevents/erpevents/log"
	"github.com/all-erp/lib-erpevents/erpevents/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultReconnectDelay       = 5 * time.Second
	defaultMaxReconnectAttempts = 10
)

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrChannelUnavailable is returned when no live channel exists.
	ErrChannelUnavailable = errors.New("rabbitmq channel is not available")
	// ErrReconnectExhausted is returned once the bounded reconnect budget is
	// spent; automatic recovery stops and an operator must intervene.
	ErrReconnectExhausted = errors.New("rabbitmq reconnect attempts exhausted")
)

// Connection owns the single logical broker connection of a service process.
//
// All broker errors are absorbed at this boundary: they are logged and feed
// the reconnect loop, and are never allowed to crash the host service.
// Recovery is a fixed-delay, bounded-attempt reconnect; there is no circuit
// breaker by design.
type Connection struct {
	URL                  string `json:"-"`
	Logger               log.Logger
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	mu                sync.Mutex
	connection        *amqp.Connection
	channel           *amqp.Channel
	connected         bool
	closed            bool
	reconnectAttempts int

	dialer func(string) (*amqp.Connection, error)
}

func (conn *Connection) applyDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.ReconnectDelay <= 0 {
		conn.ReconnectDelay = defaultReconnectDelay
	}

	if conn.MaxReconnectAttempts <= 0 {
		conn.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	if conn.dialer == nil {
		conn.dialer = amqp.Dial
	}
}

// Connect establishes the connection and channel. On failure it schedules a
// background reconnect instead of surfacing the error to callers; the
// returned error is informational only.
func (conn *Connection) Connect(ctx context.Context) error {
	if conn == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	conn.mu.Lock()
	conn.applyDefaults()
	conn.closed = false
	logger := conn.Logger
	conn.mu.Unlock()

	if err := conn.dialOnce(ctx); err != nil {
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, conn.URL)))
		conn.scheduleReconnect(ctx)

		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	return nil
}

// dialOnce performs one dial + channel open and installs the close monitor.
func (conn *Connection) dialOnce(ctx context.Context) error {
	conn.mu.Lock()
	dialer := conn.dialer
	connURL := conn.URL
	logger := conn.Logger
	conn.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	amqpConn, err := dialer(connURL)
	if err != nil {
		return err
	}

	channel, err := amqpConn.Channel()
	if err != nil {
		_ = amqpConn.Close()

		return fmt.Errorf("failed to open channel: %w", err)
	}

	closeNotify := amqpConn.NotifyClose(make(chan *amqp.Error, 1))

	conn.mu.Lock()
	conn.connection = amqpConn
	conn.channel = channel
	conn.connected = true
	conn.reconnectAttempts = 0
	conn.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	runtime.SafeGo(ctx, logger, "rabbitmq", "close_monitor", func(monitorCtx context.Context) {
		conn.monitorClose(monitorCtx, closeNotify)
	})

	return nil
}

// monitorClose re-enters the reconnect path when the broker or network drops
// the connection. A nil notification means a locally requested Close.
func (conn *Connection) monitorClose(ctx context.Context, closeNotify <-chan *amqp.Error) {
	amqpErr, ok := <-closeNotify
	if !ok || amqpErr == nil {
		return
	}

	conn.mu.Lock()
	conn.connected = false
	conn.channel = nil
	conn.connection = nil
	closed := conn.closed
	logger := conn.Logger
	conn.mu.Unlock()

	if closed {
		return
	}

	logger.Log(ctx, log.LevelWarn, "rabbitmq connection closed",
		log.String("reason", amqpErr.Reason),
		log.Int("code", amqpErr.Code))

	conn.scheduleReconnect(ctx)
}

// scheduleReconnect retries the dial with a fixed delay up to the bounded
// attempt count. Exhausting the budget logs a fatal condition and gives up
// automatic recovery.
func (conn *Connection) scheduleReconnect(ctx context.Context) {
	conn.mu.Lock()
	logger := conn.Logger
	conn.mu.Unlock()

	runtime.SafeGo(ctx, logger, "rabbitmq", "reconnect", func(reconnectCtx context.Context) {
		conn.reconnectLoop(reconnectCtx)
	})
}

func (conn *Connection) reconnectLoop(ctx context.Context) {
	for {
		conn.mu.Lock()

		if conn.closed || conn.connected {
			conn.mu.Unlock()

			return
		}

		if conn.reconnectAttempts >= conn.MaxReconnectAttempts {
			maxAttempts := conn.MaxReconnectAttempts
			logger := conn.Logger
			conn.mu.Unlock()

			logger.Log(ctx, log.LevelError, "max rabbitmq reconnect attempts reached, giving up automatic recovery",
				log.Int("max_attempts", maxAttempts))

			return
		}

		conn.reconnectAttempts++
		attempt := conn.reconnectAttempts
		maxAttempts := conn.MaxReconnectAttempts
		delay := conn.ReconnectDelay
		logger := conn.Logger
		conn.mu.Unlock()

		logger.Log(ctx, log.LevelInfo, "reconnecting to rabbitmq",
			log.Int("attempt", attempt),
			log.Int("max_attempts", maxAttempts))

		if err := backoff.SleepContext(ctx, delay); err != nil {
			return
		}

		conn.mu.Lock()
		closed := conn.closed
		conn.mu.Unlock()

		if closed {
			return
		}

		if err := conn.dialOnce(ctx); err != nil {
			logger.Log(ctx, log.LevelError, "rabbitmq reconnect attempt failed",
				log.String("error_detail", sanitizeAMQPErr(err, conn.URL)),
				log.Int("attempt", attempt))

			continue
		}

		return
	}
}

// IsHealthy reports whether both the connection and the channel are live.
// The relay consults this before a cycle to avoid futile publish attempts.
func (conn *Connection) IsHealthy() bool {
	if conn == nil {
		return false
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connected &&
		conn.connection != nil && !conn.connection.IsClosed() &&
		conn.channel != nil && !conn.channel.IsClosed()
}

// Channel returns the live channel or ErrChannelUnavailable.
func (conn *Connection) Channel() (*amqp.Channel, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.channel == nil || conn.channel.IsClosed() {
		return nil, ErrChannelUnavailable
	}

	return conn.channel, nil
}

// Close shuts the channel and connection down and disables reconnection.
func (conn *Connection) Close(ctx context.Context) error {
	if conn == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	conn.mu.Lock()
	conn.applyDefaults()
	channel := conn.channel
	connection := conn.connection
	logger := conn.Logger
	conn.channel = nil
	conn.connection = nil
	conn.connected = false
	conn.closed = true
	conn.mu.Unlock()

	var closeErr error

	if channel != nil && !channel.IsClosed() {
		if err := channel.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
			logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq channel", log.Err(err))
		}
	}

	if connection != nil && !connection.IsClosed() {
		if err := connection.Close(); err != nil {
			wrapped := fmt.Errorf("failed to close rabbitmq connection: %w", err)
			closeErr = errors.Join(closeErr, wrapped)
			logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}
	}

	return closeErr
}

// sanitizeAMQPErr redacts credentials from error text before logging.
func sanitizeAMQPErr(err error, connectionURL string) string {
	if err == nil {
		return ""
	}

	if connectionURL == "" {
		return err.Error()
	}

	parsed, parseErr := url.Parse(connectionURL)
	if parseErr != nil {
		return err.Error()
	}

	errMsg := strings.ReplaceAll(err.Error(), connectionURL, parsed.Redacted())

	if parsed.User != nil {
		if pass, ok := parsed.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionURL constructs an AMQP URL with encoded credentials.
func BuildConnectionURL(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}

	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	if vhost != "" {
		u.Path = "/" + vhost
	}

	return u.String()
}
