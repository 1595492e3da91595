//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/all-erp/lib-erpevents/erpevents/event"
)

type fakePublisher struct {
	mu        sync.Mutex
	healthy   bool
	published []*event.Envelope
	failTypes map[string]error
}

func (publisher *fakePublisher) Publish(_ context.Context, _, _ string, envelope *event.Envelope) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if err, ok := publisher.failTypes[envelope.EventType]; ok && err != nil {
		return err
	}

	publisher.published = append(publisher.published, envelope)

	return nil
}

func (publisher *fakePublisher) IsHealthy() bool {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	return publisher.healthy
}

func (publisher *fakePublisher) publishedTypes() []string {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	types := make([]string, 0, len(publisher.published))
	for _, envelope := range publisher.published {
		types = append(types, envelope.EventType)
	}

	return types
}

func mustRecord(t *testing.T, eventType, tenantID string) *Record {
	t.Helper()

	record, err := NewRecord(eventType, tenantID, []byte(`{"tenantId":"`+tenantID+`"}`))
	require.NoError(t, err)

	return record
}

func TestNewRelayValidation(t *testing.T) {
	_, err := NewRelay(nil, &fakePublisher{}, nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewRelay(&fakeRepo{}, nil, nil, nil)
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestRelayOncePublishesOldestFirst(t *testing.T) {
	first := mustRecord(t, "employee.created", "tenant-a")
	second := mustRecord(t, "payroll.calculated", "tenant-a")
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	repo := &fakeRepo{pending: []*Record{first, second}}
	publisher := &fakePublisher{healthy: true}

	relay, err := NewRelay(repo, publisher, nil, nil)
	require.NoError(t, err)

	result := relay.RelayOnce(context.Background())

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Published)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, []string{"employee.created", "payroll.calculated"}, publisher.publishedTypes())
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, repo.markedPublished)
}

func TestRelayOncePartialBatchFailure(t *testing.T) {
	good := mustRecord(t, "employee.created", "tenant-a")
	bad := mustRecord(t, "payroll.calculated", "tenant-a")
	tail := mustRecord(t, "budget.exceeded", "tenant-a")

	repo := &fakeRepo{pending: []*Record{good, bad, tail}}
	publisher := &fakePublisher{
		healthy:   true,
		failTypes: map[string]error{"payroll.calculated": errors.New("broker refused")},
	}

	relay, err := NewRelay(repo, publisher, nil, nil)
	require.NoError(t, err)

	result := relay.RelayOnce(context.Background())

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Published)
	assert.Equal(t, 1, result.Failed)

	// The failed record must stay unmarked so the next cycle retries it,
	// and the failure must not block the records after it.
	assert.Equal(t, []uuid.UUID{good.ID, tail.ID}, repo.markedPublished)
}

func TestRelayOnceStateUpdateFailure(t *testing.T) {
	record := mustRecord(t, "employee.created", "tenant-a")

	repo := &fakeRepo{
		pending:           []*Record{record},
		markPublishedByID: map[uuid.UUID]error{record.ID: errors.New("db down")},
	}
	publisher := &fakePublisher{healthy: true}

	relay, err := NewRelay(repo, publisher, nil, nil)
	require.NoError(t, err)

	result := relay.RelayOnce(context.Background())

	assert.Equal(t, 1, result.Published)
	assert.Equal(t, 1, result.StateUpdateFailed)
	assert.Len(t, publisher.published, 1)
}

func TestRelayOnceWithClaimLease(t *testing.T) {
	record := mustRecord(t, "employee.created", "tenant-a")
	repo := &fakeRepo{claimed: []*Record{record}, releasedClaims: 2}
	publisher := &fakePublisher{healthy: true}

	relay, err := NewRelay(repo, publisher, nil, nil, WithClaimLease(30*time.Second))
	require.NoError(t, err)

	result := relay.RelayOnce(context.Background())

	assert.Equal(t, 1, result.Published)
	assert.Equal(t, 1, repo.claimPendingCalls)
	assert.Equal(t, 1, repo.releaseClaimsCalls)
	assert.Zero(t, repo.listPendingCalls)
}

func TestRelayCycleSkipsUnhealthyBroker(t *testing.T) {
	repo := &fakeRepo{pending: []*Record{mustRecord(t, "employee.created", "tenant-a")}}
	publisher := &fakePublisher{healthy: false}

	relay, err := NewRelay(repo, publisher, nil, nil)
	require.NoError(t, err)

	relay.runCycle(context.Background())

	assert.Zero(t, repo.listTenantsCalls)
	assert.Zero(t, repo.listPendingCalls)
	assert.Empty(t, publisher.published)
}

func TestRelayCycleFansOutAcrossTenants(t *testing.T) {
	repo := &fakeRepo{
		tenants: []string{"tenant-a", "tenant-b"},
		pendingByTenant: map[string][]*Record{
			"tenant-a": {mustRecord(t, "employee.created", "tenant-a")},
			"tenant-b": {mustRecord(t, "payroll.approved", "tenant-b")},
		},
	}
	publisher := &fakePublisher{healthy: true}

	relay, err := NewRelay(repo, publisher, nil, nil)
	require.NoError(t, err)

	relay.runCycle(context.Background())

	assert.ElementsMatch(t, []string{"tenant-a", "tenant-b"}, repo.listPendingByTenant)
	assert.Len(t, publisher.published, 2)
}

func TestRelayTenantOrderRotates(t *testing.T) {
	repo := &fakeRepo{}
	publisher := &fakePublisher{healthy: true}

	relay, err := NewRelay(repo, publisher, nil, nil)
	require.NoError(t, err)

	tenants := []string{"a", "b", "c"}

	first := relay.tenantOrder(tenants)
	second := relay.tenantOrder(tenants)

	assert.Equal(t, []string{"a", "b", "c"}, first)
	assert.Equal(t, []string{"b", "c", "a"}, second)
}

func TestRelayRunStop(t *testing.T) {
	repo := &fakeRepo{}
	publisher := &fakePublisher{healthy: true}

	relay, err := NewRelay(repo, publisher, nil, nil, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- relay.RunContext(context.Background(), nil)
	}()

	time.Sleep(20 * time.Millisecond)
	relay.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}

	require.NoError(t, relay.Shutdown(context.Background()))
}
