// Package retry wraps stage calls with the temporary-failure retry budget and
// decides when a run should stop and ask a human.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// Backoff configures retry delays.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	// Jitter scales each delay by a seed-derived factor in [0.5, 1.5].
	Jitter bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial: time.Second,
		Factor:  2.0,
		Max:     30 * time.Second,
	}
}

// Delay returns the delay before retry number attempt (1-indexed):
// Initial * Factor^(attempt-1), capped at Max. Without jitter the sequence is
// non-decreasing.
func (b Backoff) Delay(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Initial <= 0 {
		return 0
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 1.0
	}

	base := float64(b.Initial) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 {
		base = math.Min(base, float64(b.Max))
	}

	// Jitter is applied after capping.
	if b.Jitter {
		base *= 0.5 + jitterUnit(seed)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// SleepWithContext waits for delay or until ctx is done. It reports whether
// the full delay elapsed.
func SleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
