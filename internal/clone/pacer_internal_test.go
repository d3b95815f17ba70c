package clone

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFollowPacerBursts(t *testing.T) {
	t.Parallel()
	pacer := newFollowPacer(PacingConfig{BaseDelay: time.Second, BurstSize: 2, BurstRest: time.Minute})

	delay, rest := pacer.nextPause()
	require.Equal(t, time.Second, delay)
	require.Zero(t, rest)

	delay, rest = pacer.nextPause()
	require.Equal(t, time.Second, delay)
	require.Equal(t, time.Minute, rest)
}

func TestFollowPacerJitterStaysInRange(t *testing.T) {
	t.Parallel()
	pacer := newFollowPacer(PacingConfig{
		BaseDelay: time.Second,
		Jitter:    200 * time.Millisecond,
		Random:    rand.New(rand.NewSource(7)),
	})
	for iteration := 0; iteration < 100; iteration++ {
		delay, _ := pacer.nextPause()
		require.GreaterOrEqual(t, delay, 800*time.Millisecond)
		require.LessOrEqual(t, delay, 1200*time.Millisecond)
	}
}

func TestFollowPacerNeverNegative(t *testing.T) {
	t.Parallel()
	pacer := newFollowPacer(PacingConfig{BaseDelay: -time.Second, Jitter: time.Second, Random: rand.New(rand.NewSource(1))})
	for iteration := 0; iteration < 50; iteration++ {
		delay, _ := pacer.nextPause()
		require.GreaterOrEqual(t, delay, time.Duration(0))
	}
}

func TestSleepContextHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}

func TestFollowPacerPauseAddsBurstRest(t *testing.T) {
	t.Parallel()
	pacer := newFollowPacer(PacingConfig{BaseDelay: time.Millisecond, BurstSize: 1, BurstRest: time.Millisecond})
	started := time.Now()
	require.NoError(t, pacer.pause(context.Background()))
	require.GreaterOrEqual(t, time.Since(started), 2*time.Millisecond)
}
