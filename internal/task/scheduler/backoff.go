package scheduler

import (
	"errors"
	"math/rand"
	"time"

	"deferq/internal/task"
)

// backoffDelayWithHint honours a RetryAfter hint, otherwise falls back to the
// policy's curve. retry is 1 for the first retry.
func backoffDelayWithHint(p task.RetryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return jitter(min(max(ra.RetryAfter(), 0), p.MaxDelay), p, rng)
	}
	return backoffDelay(p, retry, rng)
}

func backoffDelay(p task.RetryPolicy, retry int, rng *rand.Rand) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.Base
	switch p.Backoff {
	case task.BackoffLinear:
		d = p.Base * time.Duration(retry)
		if d > p.MaxDelay || d < 0 {
			d = p.MaxDelay
		}
	default:
		for i := 1; i < retry; i++ {
			d *= 2
			if d > p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	return jitter(d, p, rng)
}

// jitter spreads d by ±p.Jitter and keeps the result within [0, MaxDelay].
func jitter(d time.Duration, p task.RetryPolicy, rng *rand.Rand) time.Duration {
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
