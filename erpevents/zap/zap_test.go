//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/all-erp/lib-erpevents/erpevents/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)

	return &Logger{logger: zap.New(core), atomicLevel: zap.NewAtomicLevelAt(level)}, observed
}

func TestLoggerNilReceiverDoesNotPanic(t *testing.T) {
	var nilLogger *Logger

	assert.NotPanics(t, func() {
		nilLogger.Log(context.Background(), logpkg.LevelInfo, "message")
	})
}

func TestLoggerNilUnderlyingDoesNotPanic(t *testing.T) {
	logger := &Logger{}

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelError, "message")
	})
}

func TestLogDispatchesLevels(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)
	ctx := context.Background()

	logger.Log(ctx, logpkg.LevelDebug, "debug message")
	logger.Log(ctx, logpkg.LevelInfo, "info message", logpkg.String("request_id", "req-1"))
	logger.Log(ctx, logpkg.LevelWarn, "warn message")
	logger.Log(ctx, logpkg.LevelError, "error message", logpkg.Err(errors.New("boom")))

	entries := observed.All()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "req-1", entries[1].ContextMap()["request_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestLogFieldTypes(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "typed fields",
		logpkg.String("tenant", "tenant-a"),
		logpkg.Int("batch_size", 50),
		logpkg.Bool("claimed", true),
		logpkg.Any("attempt", int64(3)),
	)

	entries := observed.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "tenant-a", fields["tenant"])
	assert.EqualValues(t, 50, fields["batch_size"])
	assert.Equal(t, true, fields["claimed"])
	assert.EqualValues(t, 3, fields["attempt"])
}

func TestLogAppendsTraceCorrelation(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.InfoLevel)

	traceID := trace.TraceID{0x01}
	spanID := trace.SpanID{0x02}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	})

	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	logger.Log(ctx, logpkg.LevelInfo, "correlated")

	entries := observed.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
}

func TestLogSkipsTraceFieldsWithoutSpan(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.InfoLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "plain")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].ContextMap(), "trace_id")
}

func TestWithCarriesFieldsToChildren(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.InfoLevel)

	child := logger.With(logpkg.String("component", "relay"))
	child.Log(context.Background(), logpkg.LevelInfo, "cycle complete")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "relay", entries[0].ContextMap()["component"])
}

func TestEnabledRespectsLevel(t *testing.T) {
	logger, _ := newObservedLogger(zapcore.InfoLevel)

	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.True(t, logger.Enabled(logpkg.LevelInfo))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestSetLevelChangesAtRuntime(t *testing.T) {
	logger, err := New(logpkg.LevelInfo)
	require.NoError(t, err)

	assert.False(t, logger.Enabled(logpkg.LevelDebug))

	logger.SetLevel(logpkg.LevelDebug)

	assert.True(t, logger.Enabled(logpkg.LevelDebug))
}

func TestFromZapWrapsExistingLogger(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)

	logger := FromZap(zap.New(core))
	logger.Log(context.Background(), logpkg.LevelInfo, "wrapped")

	require.Len(t, observed.All(), 1)
}

func TestSyncRespectsCanceledContext(t *testing.T) {
	logger, _ := newObservedLogger(zapcore.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := logger.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
