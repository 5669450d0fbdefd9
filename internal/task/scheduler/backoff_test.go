package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"deferq/internal/task"
)

func TestBackoffDelayCurves(t *testing.T) {
	t.Parallel()
	exp := task.RetryPolicy{Backoff: task.BackoffExponential, Base: 30 * time.Second, MaxDelay: 5 * time.Minute}
	lin := task.RetryPolicy{Backoff: task.BackoffLinear, Base: 30 * time.Second, MaxDelay: 2 * time.Minute}

	cases := []struct {
		name  string
		p     task.RetryPolicy
		retry int
		want  time.Duration
	}{
		{"exp first", exp, 1, 30 * time.Second},
		{"exp second", exp, 2, time.Minute},
		{"exp third", exp, 3, 2 * time.Minute},
		{"exp capped", exp, 10, 5 * time.Minute},
		{"exp zero retry", exp, 0, 30 * time.Second},
		{"linear first", lin, 1, 30 * time.Second},
		{"linear third", lin, 3, 90 * time.Second},
		{"linear capped", lin, 8, 2 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			// nil rng disables jitter.
			if got := backoffDelay(tc.p, tc.retry, nil); got != tc.want {
				t.Fatalf("backoffDelay(%d) = %s, want %s", tc.retry, got, tc.want)
			}
		})
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	t.Parallel()
	p := task.RetryPolicy{Backoff: task.BackoffExponential, Base: 10 * time.Second, MaxDelay: time.Minute, Jitter: 0.2}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		d := backoffDelay(p, 1, rng)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("delay %s outside ±20%% of 10s", d)
		}
	}
	for i := 0; i < 500; i++ {
		if d := backoffDelay(p, 6, rng); d > time.Minute {
			t.Fatalf("delay %s above max", d)
		}
	}
}

func TestBackoffHonoursRetryAfter(t *testing.T) {
	t.Parallel()
	p := task.RetryPolicy{Backoff: task.BackoffExponential, Base: time.Second, MaxDelay: time.Minute}

	err := fmt.Errorf("fetch: %w", RetryAfter(errors.New("429"), 20*time.Second))
	if got := backoffDelayWithHint(p, 1, err, nil); got != 20*time.Second {
		t.Fatalf("hinted delay = %s", got)
	}
	err = RetryAfter(errors.New("503"), time.Hour)
	if got := backoffDelayWithHint(p, 1, err, nil); got != time.Minute {
		t.Fatalf("hint should be capped at max delay, got %s", got)
	}
	if got := backoffDelayWithHint(p, 2, errors.New("plain"), nil); got != 2*time.Second {
		t.Fatalf("plain error delay = %s", got)
	}
}

func TestNoRetryWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("bad input")
	err := fmt.Errorf("run: %w", NoRetry(base))
	if !IsNoRetry(err) {
		t.Fatal("wrapped NoRetry not detected")
	}
	if !errors.Is(err, base) {
		t.Fatal("NoRetry must keep the cause")
	}
	if IsNoRetry(base) || NoRetry(nil) != nil {
		t.Fatal("plain errors are retryable")
	}
}
