package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy defines exponential backoff with full jitter.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

// DefaultRetryPolicy is 2s base, 60s cap, 8 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   8,
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2,
	}
}

// Ceiling returns the un-jittered delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}

// NextDelay draws the delay for attempt uniformly from [0, Ceiling(attempt)].
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	jitter := r.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	return time.Duration(jitter() * float64(r.Ceiling(attempt)))
}

// Exhausted reports whether attempts has reached the retry ceiling.
func (r RetryPolicy) Exhausted(attempts int) bool {
	return r.MaxAttempts > 0 && attempts >= r.MaxAttempts
}
