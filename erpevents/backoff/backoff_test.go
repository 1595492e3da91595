//go:build unit

package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	base := 100 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, Exponential(base, 0))
	assert.Equal(t, 200*time.Millisecond, Exponential(base, 1))
	assert.Equal(t, 800*time.Millisecond, Exponential(base, 3))
	assert.Equal(t, 100*time.Millisecond, Exponential(base, -5))
	assert.Equal(t, time.Duration(0), Exponential(0, 3))
}

func TestExponentialOverflowSaturates(t *testing.T) {
	result := Exponential(time.Hour, 62)
	assert.Positive(t, result)
	assert.Equal(t, Exponential(time.Hour, 200), result)
}

func TestFullJitterBounds(t *testing.T) {
	delay := 50 * time.Millisecond

	for range 100 {
		jittered := FullJitter(delay)
		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, delay)
	}

	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), 0))
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))
}

func TestSleepContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepContext(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
