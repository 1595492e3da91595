// Package inbox makes event consumers idempotent.
//
// At-least-once delivery means a consumer will eventually see the same event
// twice: after a relay state-update failure, a broker redelivery, or a crash
// between side effect and acknowledgement. The processor keeps a ledger of
// processed event ids and applies the handler and the ledger insert in one
// database transaction, so an event's side effect happens exactly once even
// though its delivery does not.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/all-erp/lib-erpevents/erpevents/event"
	"github.com/all-erp/lib-erpevents/erpevents/internal/nilcheck"
	"github.com/all-erp/lib-erpevents/erpevents/log"
	"github.com/all-erp/lib-erpevents/erpevents/outbox"
)

var (
	// ErrStoreRequired is returned when a processor is built without a store.
	ErrStoreRequired = errors.New("inbox store is required")
	// ErrBeginnerRequired is returned when a processor is built without a
	// transaction source.
	ErrBeginnerRequired = errors.New("inbox transaction beginner is required")
	// ErrEnvelopeRequired is returned when Process receives a nil envelope.
	ErrEnvelopeRequired = errors.New("event envelope is required")
	// ErrApplyRequired is returned when Process receives a nil apply func.
	ErrApplyRequired = errors.New("apply function is required")
	// ErrAlreadyProcessed is returned by stores when the ledger insert hits
	// an event id that is already recorded.
	ErrAlreadyProcessed = errors.New("event already processed")
)

// Entry is one row of the processed-event ledger.
type Entry struct {
	EventID     uuid.UUID
	EventType   string
	TenantID    string
	ProcessedAt time.Time
}

// Store persists the processed-event ledger. Both operations run inside the
// processor's transaction.
type Store interface {
	// WasProcessed reports whether eventID is already in the ledger.
	WasProcessed(ctx context.Context, tx *sql.Tx, eventID uuid.UUID) (bool, error)
	// Record inserts a ledger entry. It returns ErrAlreadyProcessed when a
	// concurrent consumer recorded the same event id first.
	Record(ctx context.Context, tx *sql.Tx, entry *Entry) error
}

// TxBeginner opens the transaction a Process call runs in.
// *erpevents/postgres.Connection and *sql.DB both satisfy it through small
// adapters; BeginnerFromDB wraps a plain *sql.DB.
type TxBeginner interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
}

type dbBeginner struct {
	db *sql.DB
}

func (beginner dbBeginner) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return beginner.db.BeginTx(ctx, nil)
}

// BeginnerFromDB adapts a *sql.DB into a TxBeginner.
func BeginnerFromDB(db *sql.DB) TxBeginner {
	return dbBeginner{db: db}
}

// Apply is the business side effect for one event. It must perform all its
// writes through tx so they commit atomically with the ledger entry.
type Apply func(ctx context.Context, tx *sql.Tx, envelope *event.Envelope) error

// Processor applies events exactly once per event id.
type Processor struct {
	beginner TxBeginner
	store    Store
	logger   log.Logger
	tracer   trace.Tracer
}

// NewProcessor creates a Processor.
func NewProcessor(beginner TxBeginner, store Store, logger log.Logger, tracer trace.Tracer) (*Processor, error) {
	if nilcheck.Interface(beginner) {
		return nil, ErrBeginnerRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("erpevents.noop")
	}

	return &Processor{
		beginner: beginner,
		store:    store,
		logger:   logger,
		tracer:   tracer,
	}, nil
}

// Process applies one envelope. Duplicates are acknowledged as successes
// without re-running the side effect; any failure rolls back both the side
// effect and the ledger entry so a redelivery starts clean.
func (processor *Processor) Process(ctx context.Context, envelope *event.Envelope, apply Apply) error {
	if processor == nil || processor.store == nil || processor.beginner == nil {
		return ErrStoreRequired
	}

	if envelope == nil {
		return ErrEnvelopeRequired
	}

	if apply == nil {
		return ErrApplyRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		return fmt.Errorf("inbox process: invalid event id %q: %w", envelope.EventID, err)
	}

	ctx, span := processor.tracer.Start(ctx, "inbox.process")
	defer span.End()

	tenantID := tenantFromEnvelope(envelope)
	if tenantID != "" {
		ctx = outbox.ContextWithTenantID(ctx, tenantID)
	}

	tx, err := processor.beginner.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("inbox process: begin transaction: %w", err)
	}

	committed := false

	defer func() {
		if committed {
			return
		}

		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			processor.logger.Log(ctx, log.LevelWarn, "inbox rollback failed", log.Err(rollbackErr))
		}
	}()

	processed, err := processor.store.WasProcessed(ctx, tx, eventID)
	if err != nil {
		return fmt.Errorf("inbox process: ledger lookup: %w", err)
	}

	if processed {
		processor.logger.Log(ctx, log.LevelDebug, "skipping duplicate event",
			log.String("event_id", envelope.EventID),
			log.String("event_type", envelope.EventType))

		return nil
	}

	if err := apply(ctx, tx, envelope); err != nil {
		return fmt.Errorf("inbox process: apply: %w", err)
	}

	entry := &Entry{
		EventID:     eventID,
		EventType:   envelope.EventType,
		TenantID:    tenantID,
		ProcessedAt: time.Now().UTC(),
	}

	if err := processor.store.Record(ctx, tx, entry); err != nil {
		// A racing consumer won the insert; its transaction carries the
		// side effect, ours must not.
		if errors.Is(err, ErrAlreadyProcessed) {
			processor.logger.Log(ctx, log.LevelDebug, "concurrent duplicate detected, discarding side effect",
				log.String("event_id", envelope.EventID))

			return nil
		}

		return fmt.Errorf("inbox process: record ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("inbox process: commit: %w", err)
	}

	committed = true

	processor.logger.Log(ctx, log.LevelDebug, "event processed",
		log.String("event_id", envelope.EventID),
		log.String("event_type", envelope.EventType))

	return nil
}

// Handler adapts the processor into a broker message handler.
func (processor *Processor) Handler(apply Apply) func(ctx context.Context, envelope *event.Envelope) error {
	return func(ctx context.Context, envelope *event.Envelope) error {
		return processor.Process(ctx, envelope, apply)
	}
}

// tenantFromEnvelope extracts the tenant id from a catalogued payload.
// Events without a registered schema are processed without tenant scope.
func tenantFromEnvelope(envelope *event.Envelope) string {
	eventType, err := event.ParseType(envelope.EventType)
	if err != nil {
		return ""
	}

	payload, err := event.Decode(eventType, envelope.Data)
	if err != nil {
		return ""
	}

	return payload.Tenant()
}
