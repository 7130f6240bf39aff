package supervisor

import (
	"context"
	"math"
	"time"
)

// Backoff returns the delay before retry n (n >= 1): base * factor^(n-1),
// capped at max.
func Backoff(n int, base, max time.Duration, factor float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(base) * math.Pow(factor, float64(n-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
