package upload

import (
	"math/rand/v2"
	"time"
)

const (
	// jitterDivisor bounds random jitter to half the computed delay.
	jitterDivisor = 2

	// maxRetryShift caps the exponent so delays cannot overflow.
	maxRetryShift = 30
)

// Backoff computes retry delays for transient upload failures.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int

	// jitter returns a random duration in [0, d). Replaced in tests.
	jitter func(d time.Duration) time.Duration
}

// DefaultBackoff starts at 10s, doubles, caps at 5m and gives up after
// eight attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: 10 * time.Second, Max: 5 * time.Minute, Multiplier: 2, MaxAttempts: 8}
}

// Exhausted reports whether attempts has reached the attempt cap.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}

// Delay returns the wait before retrying after the given number of
// failed attempts (1 for the first failure). The result is never
// shorter than prev, so successive retry gaps do not shrink.
func (b Backoff) Delay(attempts int, prev time.Duration) time.Duration {
	shift := min(max(attempts-1, 0), maxRetryShift)

	d := float64(b.Base)
	for range shift {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			break
		}
	}

	delay := time.Duration(min(d, float64(b.Max)))
	if delay > 0 {
		delay += b.randomJitter(delay / jitterDivisor)
	}

	return max(min(delay, b.Max), prev)
}

func (b Backoff) randomJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	if b.jitter != nil {
		return b.jitter(d)
	}

	return time.Duration(rand.Int64N(int64(d))) //nolint:gosec // jitter does not need crypto randomness
}

// pollDelay is the wait before the next status poll: interval doubling
// per poll already made, capped at maxDelay.
func pollDelay(polls int, interval, maxDelay time.Duration) time.Duration {
	shift := min(max(polls, 0), maxRetryShift)

	d := interval
	for range shift {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}

	return min(d, maxDelay)
}
