package clone

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// PacingConfig spaces follow attempts. Each attempt is preceded by BaseDelay
// shifted by up to ±Jitter; after every BurstSize attempts the run also rests for
// BurstRest shifted by up to ±BurstRestJitter.
type PacingConfig struct {
	BaseDelay       time.Duration
	Jitter          time.Duration
	BurstSize       int
	BurstRest       time.Duration
	BurstRestJitter time.Duration
	// Random is the jitter source; tests seed it for determinism.
	Random *rand.Rand
}

// followPacer counts attempts of one clone run and decides the pause before each.
type followPacer struct {
	pacing PacingConfig
	random *rand.Rand

	mutex    sync.Mutex
	attempts int
}

func newFollowPacer(pacing PacingConfig) *followPacer {
	random := pacing.Random
	if random == nil {
		random = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if pacing.BaseDelay < 0 {
		pacing.BaseDelay = 0
	}
	if pacing.BurstRest < 0 {
		pacing.BurstRest = 0
	}
	return &followPacer{pacing: pacing, random: random}
}

// nextPause records one more attempt and returns its delay and, when the attempt
// closes a burst, the rest owed on top of it.
func (pacer *followPacer) nextPause() (delay time.Duration, rest time.Duration) {
	pacer.mutex.Lock()
	defer pacer.mutex.Unlock()

	pacer.attempts++
	delay = pacer.jittered(pacer.pacing.BaseDelay, pacer.pacing.Jitter)
	if burst := pacer.pacing.BurstSize; burst > 0 && pacer.attempts%burst == 0 {
		rest = pacer.jittered(pacer.pacing.BurstRest, pacer.pacing.BurstRestJitter)
	}
	return delay, rest
}

// pause sleeps for the next delay and rest, returning early with ctx.Err() when ctx ends.
func (pacer *followPacer) pause(ctx context.Context) error {
	delay, rest := pacer.nextPause()
	return sleepContext(ctx, delay+rest)
}

// jittered must be called with mutex held; rand.Rand is not safe for concurrent use.
func (pacer *followPacer) jittered(center time.Duration, spread time.Duration) time.Duration {
	if spread <= 0 {
		return center
	}
	shifted := center + time.Duration((pacer.random.Float64()*2-1)*float64(spread))
	if shifted < 0 {
		return 0
	}
	return shifted
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
