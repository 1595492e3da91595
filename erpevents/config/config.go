// Package config loads the operational knobs for the event consistency
// subsystem from the environment. Values carry no business meaning; every
// deployment overrides them independently.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds environment-driven settings shared by producers and consumers.
type Config struct {
	// RabbitURL is the AMQP connection URL of the broker.
	RabbitURL string `envconfig:"RABBITMQ_URL" default:"amqp://localhost:5672"`
	// ReconnectDelay is the fixed wait between broker reconnect attempts.
	ReconnectDelay time.Duration `envconfig:"RABBITMQ_RECONNECT_DELAY" default:"5s"`
	// MaxReconnectAttempts bounds automatic broker recovery; exceeding it
	// requires operator intervention.
	MaxReconnectAttempts int `envconfig:"RABBITMQ_MAX_RECONNECT_ATTEMPTS" default:"10"`

	// PollInterval is the outbox relay cycle interval.
	PollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	// BatchSize is the max outbox rows drained per relay cycle.
	BatchSize int `envconfig:"OUTBOX_BATCH_SIZE" default:"50"`
	// ClaimLease, when positive, enables the relay claim strategy with this
	// lease duration. Zero keeps the lock-free fetch.
	ClaimLease time.Duration `envconfig:"OUTBOX_CLAIM_LEASE" default:"0"`

	// MaxRedeliveries bounds consumer-side retries before a message is
	// dead-lettered.
	MaxRedeliveries int `envconfig:"CONSUMER_MAX_REDELIVERIES" default:"3"`

	// DatabaseURL is the primary PostgreSQL DSN of the owning service.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	// DatabaseReplicaURL is the read-replica DSN; defaults to the primary.
	DatabaseReplicaURL string `envconfig:"DATABASE_REPLICA_URL"`
	// MigrationsPath points at the service's migration files.
	MigrationsPath string `envconfig:"MIGRATIONS_PATH"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	if cfg.DatabaseReplicaURL == "" {
		cfg.DatabaseReplicaURL = cfg.DatabaseURL
	}

	return &cfg, nil
}
