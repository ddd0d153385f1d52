// Package retry holds the backoff arithmetic and the bounded retry loop shared
// by answer saves, violation delivery and submission.
package retry

import (
	"context"
	"time"
)

// maxShift caps the exponent so base<<attempt cannot overflow.
const maxShift = 30

// NextDelay returns base * 2^attempt.
func NextDelay(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return base * time.Duration(int64(1)<<attempt)
}

// Policy describes how many attempts an operation gets and how long to wait
// after each failed one. Delay receives the 1-based number of the attempt that
// just failed.
type Policy struct {
	Attempts int
	Delay    func(failed int) time.Duration
}

// Exponential waits base*2^failed between attempts (2s, 4s, ... for base 1s).
func Exponential(attempts int, base time.Duration) Policy {
	return Policy{
		Attempts: attempts,
		Delay:    func(failed int) time.Duration { return NextDelay(base, failed) },
	}
}

// ExponentialFromBase waits base*2^(failed-1), so the first wait equals base.
func ExponentialFromBase(attempts int, base time.Duration) Policy {
	return Policy{
		Attempts: attempts,
		Delay:    func(failed int) time.Duration { return NextDelay(base, failed-1) },
	}
}

// Linear waits base*failed between attempts.
func Linear(attempts int, base time.Duration) Policy {
	return Policy{
		Attempts: attempts,
		Delay:    func(failed int) time.Duration { return base * time.Duration(failed) },
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Do calls fn until it succeeds, the attempts are used up, retryable reports
// the error as terminal, or ctx is done. It returns the number of attempts made
// and the last error.
func Do(ctx context.Context, p Policy, sleep SleepFunc, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(err) {
			return attempt, err
		}
		if attempt == attempts {
			break
		}
		var d time.Duration
		if p.Delay != nil {
			d = p.Delay(attempt)
		}
		if serr := sleep(ctx, d); serr != nil {
			return attempt, err
		}
	}
	return attempts, err
}
