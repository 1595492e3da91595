//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/all-erp/lib-erpevents/erpevents/log"
	"github.com/all-erp/lib-erpevents/erpevents/outbox"
	erpPostgres "github.com/all-erp/lib-erpevents/erpevents/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type repoFixture struct {
	ctx     context.Context
	conn    *erpPostgres.Connection
	primary *sql.DB
	repo    *Repository
}

// newRepoFixture starts a PostgreSQL container, runs the schema migrations,
// and returns a repository bound to the migrated outbox_events table.
func newRepoFixture(t *testing.T) *repoFixture {
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

	repo, err := NewRepository(conn, WithLogger(log.NewNop()))
	require.NoError(t, err)

	return &repoFixture{ctx: ctx, conn: conn, primary: primary, repo: repo}
}

// insertRecord persists a pending record inside a committed transaction and
// returns the stored row.
func (fixture *repoFixture) insertRecord(t *testing.T, eventType, tenantID string) *outbox.Record {
	t.Helper()

	record, err := outbox.NewRecord(eventType, tenantID, []byte(`{"source":"integration"}`))
	require.NoError(t, err)

	tx, err := fixture.primary.BeginTx(fixture.ctx, nil)
	require.NoError(t, err)

	stored, err := fixture.repo.CreateWithTx(fixture.ctx, tx, record)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	return stored
}

func TestIntegration_Repository_CreateRollsBackWithTx(t *testing.T) {
	fixture := newRepoFixture(t)

	record, err := outbox.NewRecord("employee.created", "tenant-a", []byte(`{"id":"e1"}`))
	require.NoError(t, err)

	tx, err := fixture.primary.BeginTx(fixture.ctx, nil)
	require.NoError(t, err)

	_, err = fixture.repo.CreateWithTx(fixture.ctx, tx, record)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	pending, err := fixture.repo.ListPending(fixture.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "rolled back writes must not leave outbox rows behind")
}

func TestIntegration_Repository_ListPendingOrdersOldestFirst(t *testing.T) {
	fixture := newRepoFixture(t)

	first := fixture.insertRecord(t, "employee.created", "tenant-a")
	second := fixture.insertRecord(t, "employee.updated", "tenant-a")
	third := fixture.insertRecord(t, "payroll.calculated", "tenant-a")

	pending, err := fixture.repo.ListPending(fixture.ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.Equal(t, third.ID, pending[2].ID)

	limited, err := fixture.repo.ListPending(fixture.ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, first.ID, limited[0].ID)
}

func TestIntegration_Repository_ListPendingFiltersByTenant(t *testing.T) {
	fixture := newRepoFixture(t)

	recordA := fixture.insertRecord(t, "employee.created", "tenant-a")
	fixture.insertRecord(t, "employee.created", "tenant-b")

	tenantCtx := outbox.ContextWithTenantID(fixture.ctx, "tenant-a")

	pending, err := fixture.repo.ListPending(tenantCtx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, recordA.ID, pending[0].ID)
	assert.Equal(t, "tenant-a", pending[0].TenantID)
}

func TestIntegration_Repository_ClaimPendingIsExclusive(t *testing.T) {
	fixture := newRepoFixture(t)

	fixture.insertRecord(t, "employee.created", "tenant-a")
	fixture.insertRecord(t, "employee.updated", "tenant-a")

	claimed, err := fixture.repo.ClaimPending(fixture.ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	for _, record := range claimed {
		assert.Equal(t, outbox.StatusClaimed, record.Status)
		require.NotNil(t, record.ClaimedAt)
	}

	// A second claimer must not see rows already claimed.
	again, err := fixture.repo.ClaimPending(fixture.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	pending, err := fixture.repo.ListPending(fixture.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIntegration_Repository_ReleaseExpiredClaims(t *testing.T) {
	fixture := newRepoFixture(t)

	fixture.insertRecord(t, "employee.created", "tenant-a")

	claimed, err := fixture.repo.ClaimPending(fixture.ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A cutoff in the past leaves the fresh claim alone.
	released, err := fixture.repo.ReleaseExpiredClaims(fixture.ctx, 10, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, released)

	// A cutoff in the future expires it back to pending.
	released, err = fixture.repo.ReleaseExpiredClaims(fixture.ctx, 10, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, released)

	pending, err := fixture.repo.ListPending(fixture.ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, outbox.StatusPending, pending[0].Status)
	assert.Nil(t, pending[0].ClaimedAt)
}

func TestIntegration_Repository_MarkPublishedIsIdempotent(t *testing.T) {
	fixture := newRepoFixture(t)

	record := fixture.insertRecord(t, "employee.created", "tenant-a")
	now := time.Now().UTC()

	require.NoError(t, fixture.repo.MarkPublished(fixture.ctx, record.ID, now))

	// Marking an already published record again is a no-op.
	require.NoError(t, fixture.repo.MarkPublished(fixture.ctx, record.ID, now.Add(time.Second)))

	pending, err := fixture.repo.ListPending(fixture.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "published records leave the pending set")

	err = fixture.repo.MarkPublished(fixture.ctx, uuid.New(), now)
	assert.ErrorIs(t, err, outbox.ErrRecordNotFound)
}

func TestIntegration_Repository_ListTenantsSkipsPublished(t *testing.T) {
	fixture := newRepoFixture(t)

	fixture.insertRecord(t, "employee.created", "tenant-a")
	fixture.insertRecord(t, "employee.created", "tenant-b")
	published := fixture.insertRecord(t, "employee.created", "tenant-c")

	require.NoError(t, fixture.repo.MarkPublished(fixture.ctx, published.ID, time.Now().UTC()))

	tenants, err := fixture.repo.ListTenants(fixture.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)
}
