// Package backoff provides the deterministic retry delay policies shared by
// the sync engine and the remote fetch loop.
//
// Policies are pure functions of the attempt index. They hold no timers and
// perform no waiting themselves, so callers can unit test scheduling
// arithmetic without a clock.
package backoff

import "time"

// Policy computes capped exponential retry delays.
type Policy struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// FloorAttempt, when true, floors the exponent at attempt 1 so the
	// first failure waits exactly Base. When false attempt 0 waits Base.
	FloorAttempt bool
}

// Sync is the policy applied to report upload retries:
// delay(n) = min(1s * 2^(n-1), 300s) with n floored at 1.
func Sync() Policy {
	return Policy{Base: time.Second, Max: 300 * time.Second, FloorAttempt: true}
}

// Fetch is the policy applied to the remote feed fetch loop:
// delay(attempt) = min(1s * 2^attempt, 60s), attempt starting at 0.
func Fetch() Policy {
	return Policy{Base: time.Second, Max: 60 * time.Second}
}

// Delay returns the wait before the next attempt given the number of
// failures so far.
func (p Policy) Delay(attempt int) time.Duration {
	if p.FloorAttempt {
		if attempt < 1 {
			attempt = 1
		}
		attempt--
	} else if attempt < 0 {
		attempt = 0
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// NextRetryAt returns the earliest time a future retry may occur after the
// given number of failures.
func (p Policy) NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Delay(retryCount))
}

// Due reports whether a report whose next-retry gate is nextRetryAt may be
// attempted at now. A nil gate means no restriction; force bypasses the gate.
func Due(nextRetryAt *time.Time, now time.Time, force bool) bool {
	if force {
		return true
	}
	if nextRetryAt == nil {
		return true
	}
	return !nextRetryAt.After(now)
}
