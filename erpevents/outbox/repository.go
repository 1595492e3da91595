package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx so the outbox write shares the exact
// transaction of the business state change, with no adapter layer hiding
// whether both writes commit together.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox records.
//
// ListPending, ClaimPending and ListTenants scope their queries to the
// tenant carried in the context, when one is present.
type Repository interface {
	// CreateWithTx inserts a pending record inside the caller's transaction.
	CreateWithTx(ctx context.Context, tx Tx, record *Record) (*Record, error)
	// ListPending returns up to limit pending records, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Record, error)
	// ClaimPending atomically moves up to limit pending records to CLAIMED
	// and returns them, oldest first. Used when a claim lease is enabled so
	// concurrent relay instances do not publish the same record.
	ClaimPending(ctx context.Context, limit int) ([]*Record, error)
	// ReleaseExpiredClaims returns CLAIMED records older than claimedBefore
	// to PENDING, so records leased by a crashed relay become visible again.
	ReleaseExpiredClaims(ctx context.Context, limit int, claimedBefore time.Time) (int64, error)
	// MarkPublished finalizes one record. The update is conditional on the
	// record still being PENDING or CLAIMED; PUBLISHED is terminal.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	// ListTenants returns the distinct tenant ids with pending records.
	ListTenants(ctx context.Context) ([]string, error)
}
