package api

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// ErrorMatcher selects errors for RetryPolicy.RetryOn / AbortOn.
type ErrorMatcher func(error) bool

// MatchError matches errors that wrap target (errors.Is).
func MatchError(target error) ErrorMatcher {
	return func(err error) bool { return errors.Is(err, target) }
}

// MatchType matches errors whose chain contains an E (errors.As).
func MatchType[E error]() ErrorMatcher {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

// RetryPolicy controls how a failed step is retried. MaxAttempts includes
// the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before retry n (1-indexed by the attempt that failed) is
// min(Delay * BackoffMultiplier^(n-1), MaxDelay), stretched by a random
// factor in [1, 1+JitterFactor].
type RetryPolicy struct {
	MaxAttempts int

	Delay             time.Duration
	BackoffMultiplier float64
	// MaxDelay caps the computed delay; <= 0 means no cap.
	MaxDelay time.Duration
	// JitterFactor in [0,1]. Zero makes delays deterministic.
	JitterFactor float64

	// RetryOn, if non-empty, restricts retries to matching failures.
	RetryOn []ErrorMatcher
	// AbortOn failures are never retried, regardless of RetryOn.
	AbortOn []ErrorMatcher

	// RetryOnFailResult makes Fail results retryable. By default only
	// returned errors, panics and timeouts are retried.
	RetryOnFailResult bool
}

// Attempts returns the effective attempt budget.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p *RetryPolicy) multiplier() float64 {
	if p.BackoffMultiplier <= 0 {
		return 2.0
	}
	return p.BackoffMultiplier
}

func (p *RetryPolicy) jitter() float64 {
	return min(max(p.JitterFactor, 0), 1)
}

// RetryContext describes the attempt that just failed.
type RetryContext struct {
	StepID             string
	AttemptNumber      int
	MaxAttempts        int
	FirstAttemptTime   time.Time
	CurrentAttemptTime time.Time
}

// RetryStrategy decides whether and when to retry a failed step.
type RetryStrategy interface {
	ShouldRetry(failure error, rc RetryContext, policy *RetryPolicy) bool
	CalculateDelay(rc RetryContext, policy *RetryPolicy) time.Duration
}

// DefaultRetryStrategy implements exponential backoff with multiplicative
// jitter.
type DefaultRetryStrategy struct {
	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

var _ RetryStrategy = DefaultRetryStrategy{}

func (s DefaultRetryStrategy) ShouldRetry(failure error, rc RetryContext, policy *RetryPolicy) bool {
	if failure == nil || policy == nil {
		return false
	}
	if rc.AttemptNumber >= policy.Attempts() {
		return false
	}
	if errors.Is(failure, ErrConfiguration) ||
		errors.Is(failure, ErrCancelled) ||
		errors.Is(failure, context.Canceled) {
		return false
	}
	if IsBusinessFailure(failure) && !policy.RetryOnFailResult {
		return false
	}
	for _, abort := range policy.AbortOn {
		if abort(failure) {
			return false
		}
	}
	if len(policy.RetryOn) == 0 {
		return true
	}
	for _, retry := range policy.RetryOn {
		if retry(failure) {
			return true
		}
	}
	return false
}

func (s DefaultRetryStrategy) CalculateDelay(rc RetryContext, policy *RetryPolicy) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}
	n := max(rc.AttemptNumber, 1)
	d := float64(policy.Delay) * math.Pow(policy.multiplier(), float64(n-1))
	if policy.MaxDelay > 0 && d > float64(policy.MaxDelay) {
		d = float64(policy.MaxDelay)
	}
	if j := policy.jitter(); j > 0 {
		r := rand.Float64
		if s.Rand != nil {
			r = s.Rand
		}
		d *= 1 + r()*j
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
