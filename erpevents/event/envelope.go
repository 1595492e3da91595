package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEventIDRequired is returned when an envelope has no event id.
	ErrEventIDRequired = errors.New("envelope event id is required")
	// ErrEventTypeRequired is returned when an envelope has no event type.
	ErrEventTypeRequired = errors.New("envelope event type is required")
	// ErrDataRequired is returned when an envelope has no data document.
	ErrDataRequired = errors.New("envelope data is required")
	// ErrDataNotJSON is returned when envelope data is not a JSON document.
	ErrDataNotJSON = errors.New("envelope data must be valid JSON")
)

// Envelope is the wire-level wrapper around one domain event. It is what the
// relay publishes and what consumers receive; the data document is the
// domain payload and always carries a tenantId so consumers can scope their
// side effects.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope builds a validated envelope.
func NewEnvelope(eventID uuid.UUID, eventType string, timestamp time.Time, data []byte) (*Envelope, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(data) == 0 {
		return nil, ErrDataRequired
	}

	if !json.Valid(data) {
		return nil, ErrDataNotJSON
	}

	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	return &Envelope{
		EventID:   eventID.String(),
		EventType: eventType,
		Timestamp: timestamp.UTC(),
		Data:      json.RawMessage(data),
	}, nil
}

// Marshal serializes the envelope for publishing.
func (envelope *Envelope) Marshal() ([]byte, error) {
	if envelope == nil {
		return nil, ErrDataRequired
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}

	return body, nil
}

// Unmarshal parses and validates a received envelope body.
func Unmarshal(body []byte) (*Envelope, error) {
	var envelope Envelope

	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	if strings.TrimSpace(envelope.EventID) == "" {
		return nil, ErrEventIDRequired
	}

	if _, err := uuid.Parse(envelope.EventID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrEventIDRequired, envelope.EventID)
	}

	if strings.TrimSpace(envelope.EventType) == "" {
		return nil, ErrEventTypeRequired
	}

	if len(envelope.Data) == 0 {
		return nil, ErrDataRequired
	}

	return &envelope, nil
}
