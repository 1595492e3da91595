package outbox

import "errors"

var (
	// ErrRecordRequired is returned when a nil outbox record is supplied.
	ErrRecordRequired = errors.New("outbox record is required")
	// ErrRecordNotFound is returned when no outbox record matches the given id.
	ErrRecordNotFound = errors.New("outbox record not found")
	// ErrEventIDRequired is returned when a record lacks a business event id.
	ErrEventIDRequired = errors.New("outbox event id is required")
	// ErrEventTypeRequired is returned when a record lacks an event type.
	ErrEventTypeRequired = errors.New("outbox event type is required")
	// ErrPayloadRequired is returned when a record has an empty payload.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrPayloadNotJSON is returned when a payload is not valid JSON.
	ErrPayloadNotJSON = errors.New("outbox payload must be valid JSON")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("outbox payload exceeds max size")
	// ErrTenantIDRequired is returned when a record lacks a tenant id.
	ErrTenantIDRequired = errors.New("outbox tenant id is required")
	// ErrStatusInvalid is returned for a status outside the outbox lifecycle.
	ErrStatusInvalid = errors.New("invalid outbox status")
	// ErrTransitionInvalid is returned for a disallowed status transition.
	ErrTransitionInvalid = errors.New("invalid outbox status transition")
	// ErrTxRequired is returned when a transactional write is attempted
	// without a transaction.
	ErrTxRequired = errors.New("outbox transaction is required")
	// ErrRepositoryRequired is returned when a component is built without a
	// repository.
	ErrRepositoryRequired = errors.New("outbox repository is required")
	// ErrPublisherRequired is returned when the relay is built without a
	// publisher.
	ErrPublisherRequired = errors.New("outbox publisher is required")
	// ErrRelayRequired is returned when a method is called on a nil relay.
	ErrRelayRequired = errors.New("outbox relay is required")
	// ErrRelayRunning is returned when Run is called on an already running
	// relay.
	ErrRelayRunning = errors.New("outbox relay is already running")
	// ErrNotClaimed is returned when a conditional status update finds the
	// record in an unexpected state.
	ErrNotClaimed = errors.New("outbox record is not in the expected state")
)
