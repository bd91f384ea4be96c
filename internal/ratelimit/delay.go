package ratelimit

import (
	"context"
	"math"
	"time"
)

// Delay computes the progressive login delay for the given number of
// already-consumed attempts in the current window. The first attempt is
// free; each further attempt doubles (or whatever factor configures) up to
// max. This slows credential stuffing below the hard-block threshold and
// coexists with it.
func Delay(attempts int, base time.Duration, factor float64, max time.Duration) time.Duration {
	if attempts <= 1 || base <= 0 {
		return 0
	}

	d := time.Duration(float64(base) * math.Pow(factor, float64(attempts-1)))
	if d <= 0 || d > max {
		// Negative covers float overflow for absurd attempt counts.
		return max
	}
	return d
}

// Sleep pauses for d or until ctx is done, whichever comes first. The delay
// is bounded by the caller via Delay's max, so a pending request can never
// hold a worker longer than the configured cap.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
