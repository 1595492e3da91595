package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes bounds a single event payload.
const MaxPayloadBytes = 1 << 20

// Record is one event stored in the outbox for reliable delivery.
//
// ID identifies the row; EventID identifies the business event and follows
// the event to the broker and into consumer ledgers. The two are distinct so
// a record can be re-published without minting a new business event.
type Record struct {
	ID        uuid.UUID
	EventID   uuid.UUID
	EventType string
	Payload   []byte
	Status    Status
	TenantID  string
	ClaimedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord creates a valid pending record with fresh identifiers.
func NewRecord(eventType, tenantID string, payload []byte) (*Record, error) {
	return NewRecordWithEventID(uuid.New(), eventType, tenantID, payload)
}

// NewRecordWithEventID creates a valid pending record with a caller-provided
// business event id.
func NewRecordWithEventID(eventID uuid.UUID, eventType, tenantID string, payload []byte) (*Record, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Record{
		ID:        uuid.New(),
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
		Status:    StatusPending,
		TenantID:  tenantID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
