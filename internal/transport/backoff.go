package transport

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"

	"github.com/danshapiro/decisiongraph/internal/config"
)

// DelayForAttempt returns the backoff before retry number attempt.
// attempt is 1-indexed: the first retry is attempt=1.
func DelayForAttempt(attempt int, cfg config.BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := cfg.Initial()
	if initial <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1
	}

	baseMS := float64(initial) * math.Pow(factor, float64(attempt-1))
	if ceil, ok := cfg.Cap(); ok {
		baseMS = math.Min(baseMS, float64(ceil))
	}
	// Jitter is applied after the cap and is a pure function of the seed, so
	// a replayed request waits exactly as long.
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// jitterUnit maps seed to [0,1].
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
