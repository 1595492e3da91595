package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 50
	defaultExchange     = "amq.topic"
)

// RelayConfig controls relay polling behavior.
type RelayConfig struct {
	// PollInterval is the delay between relay cycles.
	PollInterval time.Duration
	// BatchSize bounds how many records one cycle publishes per tenant.
	BatchSize int
	// Exchange is the topic exchange events are published to.
	Exchange string
	// ClaimLease enables the claim strategy when positive: the relay moves
	// records to CLAIMED before publishing, and records claimed longer than
	// the lease are released back to PENDING. Zero disables claiming, which
	// is correct for a single relay instance.
	ClaimLease time.Duration
	// MeterProvider supplies the meter for relay metrics. Nil disables them.
	MeterProvider metric.MeterProvider
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
		Exchange:     defaultExchange,
	}
}

func (cfg *RelayConfig) normalize() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}

	if cfg.ClaimLease < 0 {
		cfg.ClaimLease = 0
	}
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

// WithPollInterval overrides the delay between relay cycles.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(relay *Relay) {
		if interval > 0 {
			relay.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize overrides how many records one cycle publishes per tenant.
func WithBatchSize(size int) RelayOption {
	return func(relay *Relay) {
		if size > 0 {
			relay.cfg.BatchSize = size
		}
	}
}

// WithExchange overrides the exchange events are published to.
func WithExchange(exchange string) RelayOption {
	return func(relay *Relay) {
		if exchange != "" {
			relay.cfg.Exchange = exchange
		}
	}
}

// WithClaimLease enables the claim strategy with the given lease duration.
func WithClaimLease(lease time.Duration) RelayOption {
	return func(relay *Relay) {
		if lease > 0 {
			relay.cfg.ClaimLease = lease
		}
	}
}

// WithMeterProvider sets the meter provider for relay metrics.
func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(relay *Relay) {
		relay.cfg.MeterProvider = provider
	}
}
