package outbox

import (
	"context"
	"fmt"

	"github.com/all-erp/lib-erpevents/erpevents/event"
	"github.com/all-erp/lib-erpevents/erpevents/internal/nilcheck"
	"github.com/all-erp/lib-erpevents/erpevents/log"
)

// Writer records events in the outbox inside the caller's transaction.
//
// The outbox insert and the business state change commit or roll back
// together; the caller owns the transaction boundary. Delivery to the broker
// is the relay's job and happens after commit.
type Writer struct {
	repo   Repository
	logger log.Logger
}

// NewWriter creates a Writer backed by the given repository.
func NewWriter(repo Repository, logger log.Logger) (*Writer, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Writer{repo: repo, logger: logger}, nil
}

// Emit stores a typed payload as a pending outbox record in tx. The tenant
// id is taken from the payload.
func (writer *Writer) Emit(ctx context.Context, tx Tx, payload event.Payload) (*Record, error) {
	if nilcheck.Interface(payload) {
		return nil, ErrPayloadRequired
	}

	raw, err := event.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox emit: %w", err)
	}

	return writer.EmitRaw(ctx, tx, payload.Type().String(), payload.Tenant(), raw)
}

// EmitRaw stores a raw JSON payload as a pending outbox record in tx. Use
// Emit for catalogued event types; EmitRaw is the escape hatch for payloads
// without a registered schema.
func (writer *Writer) EmitRaw(ctx context.Context, tx Tx, eventType, tenantID string, payload []byte) (*Record, error) {
	if writer == nil || writer.repo == nil {
		return nil, ErrRepositoryRequired
	}

	if tx == nil {
		return nil, ErrTxRequired
	}

	record, err := NewRecord(eventType, tenantID, payload)
	if err != nil {
		return nil, fmt.Errorf("outbox emit: %w", err)
	}

	created, err := writer.repo.CreateWithTx(ctx, tx, record)
	if err != nil {
		return nil, fmt.Errorf("outbox emit: %w", err)
	}

	writer.logger.Log(ctx, log.LevelDebug, "outbox record created",
		log.String("event_type", created.EventType),
		log.String("event_id", created.EventID.String()))

	return created, nil
}
