// Package postgres persists outbox records in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/all-erp/lib-erpevents/erpevents/internal/nilcheck"
	"github.com/all-erp/lib-erpevents/erpevents/log"
	"github.com/all-erp/lib-erpevents/erpevents/outbox"
	erpPostgres "github.com/all-erp/lib-erpevents/erpevents/postgres"
	"github.com/google/uuid"
)

var (
	// ErrConnectionRequired is returned when no database connection is given.
	ErrConnectionRequired = errors.New("postgres connection is required")
	// ErrLimitMustBePositive is returned for non-positive batch limits.
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
	// ErrInvalidIdentifier is returned for table names outside the safe set.
	ErrInvalidIdentifier = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const (
	defaultTableName        = "outbox_events"
	maxSQLIdentifierLength  = 63
	outboxColumns           = "id, event_id, event_type, payload, status, tenant_id, claimed_at, created_at, updated_at"
	nonTerminalStatusClause = "status IN ('PENDING', 'CLAIMED')"
)

// Option customizes a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository implements outbox.Repository on PostgreSQL.
//
// Relay reads and every status update run on the primary so a record's
// state is never judged from a stale replica. Tenant scoping uses the
// tenant id carried in the context.
type Repository struct {
	conn      *erpPostgres.Connection
	logger    log.Logger
	tableName string
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(conn *erpPostgres.Connection, opts ...Option) (*Repository, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:      conn,
		logger:    log.NewNop(),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = defaultTableName
	}

	if err := validateIdentifier(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// CreateWithTx inserts a pending record inside the caller's transaction, so
// the outbox write commits atomically with the business state change.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, record *outbox.Record) (*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return nil, outbox.ErrTxRequired
	}

	if record == nil {
		return nil, outbox.ErrRecordRequired
	}

	query := "INSERT INTO " + quoteIdentifier(repo.tableName) +
		" (id, event_id, event_type, payload, status, tenant_id, created_at, updated_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING " + outboxColumns

	now := time.Now().UTC()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	row := tx.QueryRowContext(ctx, query,
		record.ID,
		record.EventID,
		record.EventType,
		record.Payload,
		string(outbox.StatusPending),
		record.TenantID,
		createdAt,
		now,
	)

	created, err := scanRecord(row)
	if err != nil {
		repo.logger.Log(ctx, log.LevelError, "failed to insert outbox record", log.Err(err))

		return nil, fmt.Errorf("creating outbox record: %w", err)
	}

	return created, nil
}

// ListPending returns up to limit pending records, oldest first.
func (repo *Repository) ListPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	db, err := repo.conn.PrimaryDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending records: %w", err)
	}

	query := "SELECT " + outboxColumns + " FROM " + quoteIdentifier(repo.tableName) +
		" WHERE status = $1"
	args := []any{string(outbox.StatusPending)}

	query, args = appendTenantFilter(ctx, query, args)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		repo.logger.Log(ctx, log.LevelError, "failed to list pending outbox records", log.Err(err))

		return nil, fmt.Errorf("listing pending records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ClaimPending atomically moves up to limit pending records to CLAIMED and
// returns them. SKIP LOCKED keeps concurrent relay instances from claiming
// the same rows.
func (repo *Repository) ClaimPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	db, err := repo.conn.PrimaryDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("claiming pending records: %w", err)
	}

	table := quoteIdentifier(repo.tableName)

	subquery := "SELECT id FROM " + table + " WHERE status = $1"
	args := []any{string(outbox.StatusPending)}

	subquery, args = appendTenantFilter(ctx, subquery, args)
	subquery += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d FOR UPDATE SKIP LOCKED", len(args)+1)
	args = append(args, limit)

	now := time.Now().UTC()
	args = append(args, string(outbox.StatusClaimed), now)

	query := fmt.Sprintf(
		"UPDATE %s SET status = $%d, claimed_at = $%d, updated_at = $%d WHERE id IN (%s) RETURNING %s",
		table, len(args)-1, len(args), len(args), subquery, outboxColumns,
	)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		repo.logger.Log(ctx, log.LevelError, "failed to claim pending outbox records", log.Err(err))

		return nil, fmt.Errorf("claiming pending records: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING order is not guaranteed; restore oldest-first.
	sortRecordsByCreatedAt(records)

	return records, nil
}

// ReleaseExpiredClaims returns CLAIMED records older than claimedBefore to
// PENDING so records leased by a crashed relay become visible again.
func (repo *Repository) ReleaseExpiredClaims(ctx context.Context, limit int, claimedBefore time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	db, err := repo.conn.PrimaryDB(ctx)
	if err != nil {
		return 0, fmt.Errorf("releasing expired claims: %w", err)
	}

	table := quoteIdentifier(repo.tableName)

	subquery := "SELECT id FROM " + table + " WHERE status = $1 AND claimed_at < $2"
	args := []any{string(outbox.StatusClaimed), claimedBefore.UTC()}

	subquery, args = appendTenantFilter(ctx, subquery, args)
	subquery += fmt.Sprintf(" ORDER BY claimed_at ASC LIMIT $%d FOR UPDATE SKIP LOCKED", len(args)+1)
	args = append(args, limit)

	args = append(args, string(outbox.StatusPending), time.Now().UTC())

	query := fmt.Sprintf(
		"UPDATE %s SET status = $%d, claimed_at = NULL, updated_at = $%d WHERE id IN (%s)",
		table, len(args)-1, len(args), subquery,
	)

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		repo.logger.Log(ctx, log.LevelError, "failed to release expired outbox claims", log.Err(err))

		return 0, fmt.Errorf("releasing expired claims: %w", err)
	}

	released, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("releasing expired claims: %w", err)
	}

	return released, nil
}

// MarkPublished finalizes one record. The update is conditional on the
// record not already being published; re-marking a published record is a
// no-op, so redundant relay retries stay harmless.
func (repo *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if id == uuid.Nil {
		return outbox.ErrRecordRequired
	}

	db, err := repo.conn.PrimaryDB(ctx)
	if err != nil {
		return fmt.Errorf("marking outbox record published: %w", err)
	}

	table := quoteIdentifier(repo.tableName)
	query := "UPDATE " + table + " SET status = $1, claimed_at = NULL, updated_at = $2" +
		" WHERE id = $3 AND " + nonTerminalStatusClause

	result, err := db.ExecContext(ctx, query, string(outbox.StatusPublished), publishedAt.UTC(), id)
	if err != nil {
		repo.logger.Log(ctx, log.LevelError, "failed to mark outbox record published",
			log.String("record_id", id.String()),
			log.Err(err))

		return fmt.Errorf("marking outbox record published: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking outbox record published: %w", err)
	}

	if affected > 0 {
		return nil
	}

	var status string

	statusQuery := "SELECT status FROM " + table + " WHERE id = $1"

	err = db.QueryRowContext(ctx, statusQuery, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("marking outbox record published: %w", outbox.ErrRecordNotFound)
	}

	if err != nil {
		return fmt.Errorf("marking outbox record published: %w", err)
	}

	if status == string(outbox.StatusPublished) {
		return nil
	}

	return fmt.Errorf("marking outbox record published: %w: %s", outbox.ErrTransitionInvalid, status)
}

// ListTenants returns the distinct tenant ids with undelivered records.
func (repo *Repository) ListTenants(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := repo.conn.PrimaryDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing outbox tenants: %w", err)
	}

	query := "SELECT DISTINCT tenant_id FROM " + quoteIdentifier(repo.tableName) +
		" WHERE " + nonTerminalStatusClause + " ORDER BY tenant_id ASC"

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		repo.logger.Log(ctx, log.LevelError, "failed to list outbox tenants", log.Err(err))

		return nil, fmt.Errorf("listing outbox tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string

	for rows.Next() {
		var tenantID string

		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}

		tenants = append(tenants, tenantID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing outbox tenants: %w", err)
	}

	return tenants, nil
}

func appendTenantFilter(ctx context.Context, query string, args []any) (string, []any) {
	tenantID, ok := outbox.TenantIDFromContext(ctx)
	if !ok {
		return query, args
	}

	query += fmt.Sprintf(" AND tenant_id = $%d", len(args)+1)
	args = append(args, tenantID)

	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner) (*outbox.Record, error) {
	var (
		record    outbox.Record
		status    string
		claimedAt sql.NullTime
	)

	err := scanner.Scan(
		&record.ID,
		&record.EventID,
		&record.EventType,
		&record.Payload,
		&status,
		&record.TenantID,
		&claimedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	record.Status = parsed

	if claimedAt.Valid {
		claimed := claimedAt.Time.UTC()
		record.ClaimedAt = &claimed
	}

	return &record, nil
}

func scanRecords(rows *sql.Rows) ([]*outbox.Record, error) {
	var records []*outbox.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox record: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading outbox records: %w", err)
	}

	return records, nil
}

func sortRecordsByCreatedAt(records []*outbox.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func validateIdentifier(identifier string) error {
	if identifier == "" || len(identifier) > maxSQLIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
