//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/all-erp/lib-erpevents/erpevents/event"
	"github.com/all-erp/lib-erpevents/erpevents/inbox"
	"github.com/all-erp/lib-erpevents/erpevents/log"
	erpPostgres "github.com/all-erp/lib-erpevents/erpevents/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type storeFixture struct {
	ctx     context.Context
	conn    *erpPostgres.Connection
	primary *sql.DB
	store   *Store
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrationsPath, err := filepath.Abs(filepath.Join("..", "..", "..", "migrations"))
	require.NoError(t, err)

	conn := &erpPostgres.Connection{
		PrimaryDSN:     dsn,
		ReplicaDSN:     dsn,
		DatabaseName:   "testdb",
		MigrationsPath: migrationsPath,
		Logger:         log.NewNop(),
	}

	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("cleanup: connection close: %v", err)
		}
	})

	primary, err := conn.PrimaryDB(ctx)
	require.NoError(t, err)

	store, err := NewStore(WithLogger(log.NewNop()))
	require.NoError(t, err)

	return &storeFixture{ctx: ctx, conn: conn, primary: primary, store: store}
}

func TestIntegration_Store_RecordAndLookup(t *testing.T) {
	fixture := newStoreFixture(t)

	eventID := uuid.New()

	tx, err := fixture.primary.BeginTx(fixture.ctx, nil)
	require.NoError(t, err)

	processed, err := fixture.store.WasProcessed(fixture.ctx, tx, eventID)
	require.NoError(t, err)
	assert.False(t, processed)

	err = fixture.store.Record(fixture.ctx, tx, &inbox.Entry{
		EventID:     eventID,
		EventType:   "employee.created",
		TenantID:    "tenant-a",
		ProcessedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = fixture.primary.BeginTx(fixture.ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })

	processed, err = fixture.store.WasProcessed(fixture.ctx, tx, eventID)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestIntegration_Store_DuplicateRecordIsUniqueViolation(t *testing.T) {
	fixture := newStoreFixture(t)

	entry := &inbox.Entry{
		EventID:     uuid.New(),
		EventType:   "employee.created",
		TenantID:    "tenant-a",
		ProcessedAt: time.Now().UTC(),
	}

	tx, err := fixture.primary.BeginTx(fixture.ctx, nil)
	require.NoError(t, err)
	require.NoError(t, fixture.store.Record(fixture.ctx, tx, entry))
	require.NoError(t, tx.Commit())

	tx, err = fixture.primary.BeginTx(fixture.ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })

	err = fixture.store.Record(fixture.ctx, tx, entry)
	assert.ErrorIs(t, err, inbox.ErrAlreadyProcessed)
}

// TestIntegration_Processor_DuplicateDelivery drives the full idempotent
// consume path against a real database: the first delivery applies the side
// effect and commits, the redelivery is absorbed without applying again.
func TestIntegration_Processor_DuplicateDelivery(t *testing.T) {
	fixture := newStoreFixture(t)

	_, err := fixture.primary.ExecContext(fixture.ctx,
		"CREATE TABLE employee_names (event_id UUID PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)

	beginner, err := NewBeginner(fixture.conn)
	require.NoError(t, err)

	processor, err := inbox.NewProcessor(beginner, fixture.store, log.NewNop(), nil)
	require.NoError(t, err)

	data, err := json.Marshal(map[string]any{
		"employeeId": 1,
		"tenantId":   "tenant-a",
		"name":       "Ada Lovelace",
	})
	require.NoError(t, err)

	envelope, err := event.NewEnvelope(uuid.New(), "employee.created", time.Now(), data)
	require.NoError(t, err)

	apply := func(ctx context.Context, tx *sql.Tx, delivered *event.Envelope) error {
		var body struct {
			Name string `json:"name"`
		}

		if err := json.Unmarshal(delivered.Data, &body); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			"INSERT INTO employee_names (event_id, name) VALUES ($1, $2)",
			delivered.EventID, body.Name)

		return err
	}

	require.NoError(t, processor.Process(fixture.ctx, envelope, apply))

	// The broker delivers at least once; the second delivery must be a no-op.
	require.NoError(t, processor.Process(fixture.ctx, envelope, apply))

	var count int
	err = fixture.primary.QueryRowContext(fixture.ctx,
		"SELECT COUNT(*) FROM employee_names WHERE event_id = $1", envelope.EventID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "side effect applied exactly once")

	var tenantID string
	err = fixture.primary.QueryRowContext(fixture.ctx,
		"SELECT tenant_id FROM processed_events WHERE event_id = $1", envelope.EventID).Scan(&tenantID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenantID, "ledger keeps the tenant extracted from the payload")
}
