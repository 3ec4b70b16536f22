// ABOUTME: Retry policy with exponential backoff for record uploads, and Do, which runs an
// ABOUTME: operation under a policy while honoring context cancellation.
package record

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// RetryPolicy controls how many times an upload is attempted.
type RetryPolicy struct {
	MaxAttempts int // 1 = no retries
	Backoff     BackoffConfig
	ShouldRetry func(error) bool
}

// BackoffConfig controls delay timing between attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DelayForAttempt returns InitialDelay * Factor^attempt capped at MaxDelay,
// randomized in [0, delay] when Jitter is set. attempt is 0-indexed.
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	base := float64(b.InitialDelay.Nanoseconds()) * math.Pow(b.Factor, float64(attempt))
	d := math.Min(base, float64(b.MaxDelay.Nanoseconds()))
	if b.Jitter {
		d = rand.Float64() * d
	}
	return time.Duration(int64(d))
}

// RetryPolicyNone makes a single attempt.
func RetryPolicyNone() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		Backoff:     BackoffConfig{InitialDelay: 500 * time.Millisecond, Factor: 2, MaxDelay: 30 * time.Second},
		ShouldRetry: IsRetryable,
	}
}

// RetryPolicyStandard makes up to attempts tries with jittered exponential
// backoff, retrying only transient failures.
func RetryPolicyStandard(attempts int) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     BackoffConfig{InitialDelay: 500 * time.Millisecond, Factor: 2, MaxDelay: 30 * time.Second, Jitter: true},
		ShouldRetry: IsRetryable,
	}
}

// IsRetryable reports whether err is a transient upload failure: a
// retryable *UploadError or a network error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Do runs fn until it succeeds, the policy gives up, or ctx is done. The
// last error is returned.
func Do(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	should := policy.ShouldRetry
	if should == nil {
		should = IsRetryable
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 || !should(err) {
			break
		}
		timer := time.NewTimer(policy.Backoff.DelayForAttempt(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
