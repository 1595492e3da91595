package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/all-erp/lib-erpevents/erpevents/inbox"
	erpPostgres "github.com/all-erp/lib-erpevents/erpevents/postgres"
)

// ErrConnectionRequired is returned when no database connection is given.
var ErrConnectionRequired = errors.New("postgres connection is required")

type connectionBeginner struct {
	conn *erpPostgres.Connection
}

func (beginner connectionBeginner) BeginTx(ctx context.Context) (*sql.Tx, error) {
	db, err := beginner.conn.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	return db.BeginTx(ctx, nil)
}

// NewBeginner adapts a managed connection into an inbox.TxBeginner.
// Transactions always open on the primary since the apply step writes.
func NewBeginner(conn *erpPostgres.Connection) (inbox.TxBeginner, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	return connectionBeginner{conn: conn}, nil
}
