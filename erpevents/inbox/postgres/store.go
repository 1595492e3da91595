// Package postgres persists the processed-event ledger in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/all-erp/lib-erpevents/erpevents/inbox"
	"github.com/all-erp/lib-erpevents/erpevents/internal/nilcheck"
	"github.com/all-erp/lib-erpevents/erpevents/log"
)

const (
	defaultTableName     = "processed_events"
	uniqueViolationCode  = "23505"
	maxIdentifierLength  = 63
	processedEventFields = "event_id, event_type, tenant_id, processed_at"
)

// ErrInvalidTableName is returned for table names outside the safe set.
var ErrInvalidTableName = errors.New("invalid ledger table name")

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// WithTableName overrides the ledger table name.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// Store implements inbox.Store on PostgreSQL. The event_id primary key is
// the idempotency guarantee; a duplicate insert surfaces as a unique
// violation and is reported as inbox.ErrAlreadyProcessed.
type Store struct {
	logger    log.Logger
	tableName string
}

var _ inbox.Store = (*Store)(nil)

// NewStore creates a ledger store.
func NewStore(opts ...Option) (*Store, error) {
	store := &Store{
		logger:    log.NewNop(),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = defaultTableName
	}

	if err := validateTableName(store.tableName); err != nil {
		return nil, err
	}

	return store, nil
}

// WasProcessed reports whether eventID is already in the ledger.
func (store *Store) WasProcessed(ctx context.Context, tx *sql.Tx, eventID uuid.UUID) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return false, inbox.ErrBeginnerRequired
	}

	query := "SELECT 1 FROM " + quoteIdentifier(store.tableName) + " WHERE event_id = $1"

	var one int

	err := tx.QueryRowContext(ctx, query, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}

	return true, nil
}

// Record inserts a ledger entry inside tx.
func (store *Store) Record(ctx context.Context, tx *sql.Tx, entry *inbox.Entry) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return inbox.ErrBeginnerRequired
	}

	if entry == nil {
		return inbox.ErrEnvelopeRequired
	}

	processedAt := entry.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}

	query := "INSERT INTO " + quoteIdentifier(store.tableName) +
		" (" + processedEventFields + ") VALUES ($1, $2, $3, $4)"

	_, err := tx.ExecContext(ctx, query, entry.EventID, entry.EventType, entry.TenantID, processedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", inbox.ErrAlreadyProcessed, entry.EventID)
		}

		store.logger.Log(ctx, log.LevelError, "failed to record ledger entry",
			log.String("event_id", entry.EventID.String()),
			log.Err(err))

		return fmt.Errorf("ledger insert: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func validateTableName(tableName string) error {
	if tableName == "" || len(tableName) > maxIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, tableName)
	}

	for i, char := range tableName {
		switch {
		case char >= 'a' && char <= 'z', char == '_':
		case char >= 'A' && char <= 'Z':
		case char >= '0' && char <= '9':
			if i == 0 {
				return fmt.Errorf("%w: %q", ErrInvalidTableName, tableName)
			}
		default:
			return fmt.Errorf("%w: %q", ErrInvalidTableName, tableName)
		}
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
