package stepflow

import (
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry and TaskRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{MaxAttempts: maxAttempts},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.Delay = initial
	p.MaxDelay = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits delay between every attempt.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Delay = delay
	p.MaxDelay = 0
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// WithJitter stretches each delay by a random factor in [1, 1+factor].
// factor is clamped to [0,1].
func (r RetryBuilder) WithJitter(factor float64) RetryBuilder {
	p := r.policy
	p.JitterFactor = min(max(factor, 0), 1)
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Delay = 0
	p.MaxDelay = 0
	p.BackoffMultiplier = 0
	p.JitterFactor = 0
	return RetryBuilder{policy: p}
}

// On restricts retries to failures matched by any of ms.
func (r RetryBuilder) On(ms ...api.ErrorMatcher) RetryBuilder {
	p := r.policy
	p.RetryOn = append(append([]api.ErrorMatcher(nil), p.RetryOn...), ms...)
	return RetryBuilder{policy: p}
}

// AbortOn never retries failures matched by any of ms.
func (r RetryBuilder) AbortOn(ms ...api.ErrorMatcher) RetryBuilder {
	p := r.policy
	p.AbortOn = append(append([]api.ErrorMatcher(nil), p.AbortOn...), ms...)
	return RetryBuilder{policy: p}
}

// FailResults makes Fail results retryable too.
func (r RetryBuilder) FailResults() RetryBuilder {
	p := r.policy
	p.RetryOnFailResult = true
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// MatchError matches failures wrapping target.
func MatchError(target error) api.ErrorMatcher {
	return api.MatchError(target)
}

// MatchType matches failures whose chain contains an E.
func MatchType[E error]() api.ErrorMatcher {
	return api.MatchType[E]()
}
