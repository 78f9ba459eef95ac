package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnboundedNeverSleeps(t *testing.T) {
	s := NewScheduler(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10_000; i++ {
		require.True(t, s.Next(ctx))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestNegativeRateIsUnbounded(t *testing.T) {
	s := NewScheduler(-5)
	assert.Equal(t, time.Duration(0), s.Interval())
	assert.True(t, s.Next(context.Background()))
}

func TestRateFidelity(t *testing.T) {
	// 1000 msg/s over one second of wall time; generous bounds for CI jitter.
	s := NewScheduler(1000)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ticks := 0
	for s.Next(ctx) {
		ticks++
	}
	assert.GreaterOrEqual(t, ticks, 900)
	assert.LessOrEqual(t, ticks, 1100)
}

func TestCatchUpAfterStall(t *testing.T) {
	s := NewScheduler(100) // 10ms interval
	ctx := context.Background()

	require.True(t, s.Next(ctx))
	time.Sleep(100 * time.Millisecond) // ~10 ticks of backlog

	// Backlogged ticks fire without sleeping.
	start := time.Now()
	fired := 0
	for i := 0; i < 8; i++ {
		require.True(t, s.Next(ctx))
		fired++
	}
	assert.Equal(t, 8, fired)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestCancellationStopsTicks(t *testing.T) {
	s := NewScheduler(1) // 1s interval: the second call must block
	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, s.Next(ctx))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	assert.False(t, s.Next(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// Cancellation is sticky.
	assert.False(t, s.Next(ctx))
}

func TestAbsoluteDeadlinesDoNotDrift(t *testing.T) {
	s := NewScheduler(200) // 5ms
	ctx := context.Background()

	start := time.Now()
	const n = 40
	for i := 0; i < n; i++ {
		require.True(t, s.Next(ctx))
	}
	elapsed := time.Since(start)
	expected := time.Duration(n-1) * s.Interval()
	// The first tick fires at start, so n ticks span (n-1)*i; absolute
	// scheduling keeps total elapsed near that even with per-tick timer
	// jitter.
	assert.InDelta(t, float64(expected), float64(elapsed), float64(60*time.Millisecond))
}
