package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	erpevents "github.com/all-erp/lib-erpevents/erpevents"
	"github.com/all-erp/lib-erpevents/erpevents/event"
	"github.com/all-erp/lib-erpevents/erpevents/internal/nilcheck"
	"github.com/all-erp/lib-erpevents/erpevents/log"
	"github.com/all-erp/lib-erpevents/erpevents/runtime"
)

// Publisher is the broker surface the relay needs. *rabbitmq.Connection
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, envelope *event.Envelope) error
	IsHealthy() bool
}

// Relay moves committed outbox records to the broker.
//
// Each cycle fans out across the tenants that have pending records, reads a
// bounded batch per tenant oldest first, publishes each record and marks it
// published individually. A record whose publish fails stays pending and is
// retried on a later cycle; a record whose publish succeeds but whose state
// update fails may be delivered again, so consumers must be idempotent.
type Relay struct {
	repo      Repository
	publisher Publisher
	logger    log.Logger
	tracer    trace.Tracer
	cfg       RelayConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup
	tenantTurn int

	metrics relayMetrics
}

var _ erpevents.App = (*Relay)(nil)

// RelayResult captures one relay cycle outcome for a single scope.
type RelayResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewRelay creates a relay over the given repository and publisher.
func NewRelay(
	repo Repository,
	publisher Publisher,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...RelayOption,
) (*Relay, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("erpevents.noop")
	}

	relay := &Relay{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultRelayConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	relay.cfg.normalize()

	metrics, err := newRelayMetrics(relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init relay metrics: %w", err)
	}

	relay.metrics = metrics

	return relay, nil
}

// Run starts the relay loop until Stop is called.
func (relay *Relay) Run(launcher *erpevents.Launcher) error {
	return relay.RunContext(context.Background(), launcher)
}

// RunContext starts the relay loop until Stop is called or ctx is canceled.
// Cycles run inline on the ticker goroutine, so a slow cycle never overlaps
// the next one.
func (relay *Relay) RunContext(parentCtx context.Context, launcher *erpevents.Launcher) error {
	if relay == nil {
		return ErrRelayRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !relay.registerRun(cancel) {
		cancel()

		return ErrRelayRunning
	}

	defer relay.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "outbox relay started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox relay stopped")
	}

	ticker := time.NewTicker(relay.cfg.PollInterval)
	defer ticker.Stop()

	relay.runCycle(ctx)

	for {
		select {
		case <-relay.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-relay.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			relay.runCycle(ctx)
		}
	}
}

// Stop signals the relay loop to stop.
func (relay *Relay) Stop() {
	if relay == nil {
		return
	}

	relay.stopOnce.Do(func() {
		relay.runStateMu.Lock()
		cancel := relay.cancelFunc
		relay.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(relay.stop)
	})
}

// Shutdown stops the relay and waits for the in-flight cycle to finish.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	relay.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, relay.logger, "outbox", "relay_shutdown_wait", func(context.Context) {
		relay.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// runCycle executes one guarded relay cycle.
func (relay *Relay) runCycle(ctx context.Context) {
	relay.cycleWg.Add(1)
	defer relay.cycleWg.Done()
	defer runtime.RecoverAndLog(ctx, relay.logger, "outbox", "relay_cycle")

	// Skip the whole cycle while the broker is down; records stay pending
	// and the reconnect loop restores the connection on its own.
	if !relay.publisher.IsHealthy() {
		relay.logger.Log(ctx, log.LevelWarn, "skipping relay cycle, broker connection is not healthy")

		return
	}

	ctx, span := relay.tracer.Start(ctx, "outbox.relay.cycle")
	defer span.End()

	relay.relayAcrossTenants(ctx, span)
}

// relayAcrossTenants runs one scope per tenant with pending records. Tenant
// order rotates between cycles so one slow tenant cannot starve the rest.
func (relay *Relay) relayAcrossTenants(ctx context.Context, span trace.Span) {
	if ctx.Err() != nil {
		return
	}

	tenants, err := relay.repo.ListTenants(ctx)
	if err != nil {
		span.RecordError(err)
		relay.logger.Log(ctx, log.LevelError, "failed to list outbox tenants", log.Err(err))

		return
	}

	orderedTenants := relay.tenantOrder(nonEmptyTenants(tenants))
	if len(orderedTenants) == 0 {
		relay.RelayOnce(ctx)

		return
	}

	for _, tenantID := range orderedTenants {
		if ctx.Err() != nil {
			break
		}

		tenantCtx := ContextWithTenantID(ctx, tenantID)
		tenantCtx, tenantSpan := relay.tracer.Start(tenantCtx, "outbox.relay.tenant")
		result := relay.RelayOnce(tenantCtx)
		// Correlate per-tenant traces without exposing raw tenant ids.
		tenantSpan.SetAttributes(
			attribute.String("tenant.id_hash", hashTenantID(tenantID)),
			attribute.Int("outbox.relay.processed", result.Processed),
			attribute.Int("outbox.relay.published", result.Published),
			attribute.Int("outbox.relay.failed", result.Failed),
		)
		tenantSpan.End()
	}
}

// RelayOnce processes one batch for the scope carried by ctx and returns
// counters. Exposed for tests and manual drains.
func (relay *Relay) RelayOnce(ctx context.Context) RelayResult {
	if relay == nil || relay.repo == nil || relay.publisher == nil {
		return RelayResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := relay.tracer.Start(ctx, "outbox.relay.batch")
	defer span.End()

	records := relay.collectRecords(ctx, span)

	if relay.metrics.queueDepth != nil {
		relay.metrics.queueDepth.Record(ctx, int64(len(records)))
	}

	var result RelayResult

	// Delivery is at-least-once: publish happens before MarkPublished, so a
	// crash or state-update failure between the two re-delivers the event.
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}

		if record == nil {
			continue
		}

		result.Processed++

		if err := relay.publishRecord(ctx, record); err != nil {
			span.RecordError(err)
			relay.logger.Log(ctx, log.LevelError, "failed to publish outbox record",
				log.String("event_id", record.EventID.String()),
				log.String("event_type", record.EventType),
				log.Err(err))

			result.Failed++

			continue
		}

		result.Published++

		if err := relay.repo.MarkPublished(ctx, record.ID, time.Now().UTC()); err != nil {
			relay.logger.Log(ctx, log.LevelError,
				"outbox record published to broker but failed to persist PUBLISHED state; event may be delivered again",
				log.String("event_id", record.EventID.String()),
				log.Err(err))

			result.StateUpdateFailed++
		}
	}

	if relay.metrics.eventsPublished != nil && result.Published > 0 {
		relay.metrics.eventsPublished.Add(ctx, int64(result.Published))
	}

	if relay.metrics.eventsFailed != nil && result.Failed > 0 {
		relay.metrics.eventsFailed.Add(ctx, int64(result.Failed))
	}

	if relay.metrics.cycleLatency != nil {
		relay.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())
	}

	return result
}

// collectRecords fetches the next batch. With a claim lease the relay first
// releases expired claims, then claims its batch so concurrent relay
// instances never publish the same record. Without a lease it reads pending
// records directly.
func (relay *Relay) collectRecords(ctx context.Context, span trace.Span) []*Record {
	if relay.cfg.ClaimLease <= 0 {
		records, err := relay.repo.ListPending(ctx, relay.cfg.BatchSize)
		if err != nil {
			span.RecordError(err)
			relay.logger.Log(ctx, log.LevelError, "failed to list pending outbox records", log.Err(err))

			return nil
		}

		return records
	}

	claimedBefore := time.Now().UTC().Add(-relay.cfg.ClaimLease)

	released, err := relay.repo.ReleaseExpiredClaims(ctx, relay.cfg.BatchSize, claimedBefore)
	if err != nil {
		span.RecordError(err)
		relay.logger.Log(ctx, log.LevelError, "failed to release expired outbox claims", log.Err(err))
	} else if released > 0 {
		relay.logger.Log(ctx, log.LevelWarn, "released expired outbox claims",
			log.Int("count", int(released)))
	}

	records, err := relay.repo.ClaimPending(ctx, relay.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		relay.logger.Log(ctx, log.LevelError, "failed to claim pending outbox records", log.Err(err))

		return nil
	}

	return records
}

func (relay *Relay) publishRecord(ctx context.Context, record *Record) error {
	envelope, err := event.NewEnvelope(record.EventID, record.EventType, record.CreatedAt, record.Payload)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}

	return relay.publisher.Publish(ctx, relay.cfg.Exchange, record.EventType, envelope)
}

func (relay *Relay) registerRun(cancel context.CancelFunc) bool {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	if relay.running {
		return false
	}

	if relay.stop == nil || isClosedSignal(relay.stop) {
		relay.stop = make(chan struct{})
		relay.stopOnce = sync.Once{}
	}

	relay.running = true
	relay.cancelFunc = cancel

	return true
}

func (relay *Relay) clearRun() {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	relay.running = false
	relay.cancelFunc = nil
}

func (relay *Relay) tenantOrder(tenants []string) []string {
	if len(tenants) <= 1 {
		return append([]string(nil), tenants...)
	}

	relay.runStateMu.Lock()
	start := relay.tenantTurn % len(tenants)
	relay.tenantTurn = (relay.tenantTurn + 1) % len(tenants)
	relay.runStateMu.Unlock()

	ordered := make([]string, 0, len(tenants))
	ordered = append(ordered, tenants[start:]...)
	ordered = append(ordered, tenants[:start]...)

	return ordered
}

func nonEmptyTenants(tenants []string) []string {
	if len(tenants) == 0 {
		return nil
	}

	result := make([]string, 0, len(tenants))

	for _, tenantID := range tenants {
		tenantID = strings.TrimSpace(tenantID)
		if tenantID == "" {
			continue
		}

		result = append(result, tenantID)
	}

	return result
}

func hashTenantID(tenantID string) string {
	if tenantID == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(tenantID))

	return hex.EncodeToString(sum[:8])
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
