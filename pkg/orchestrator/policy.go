package orchestrator

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate for an
// inconsistent configuration.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// NodePolicy configures a node's timeout and retry behavior. If not
// specified, the Engine's DefaultNodeTimeout and no-retry apply.
type NodePolicy struct {
	Timeout     time.Duration
	RetryPolicy *RetryPolicy
}

// RetryPolicy configures the runner's retry behavior for a node's transient
// failures (spec §4.2 "Retry policy"): exponential backoff with jitter, up
// to MaxAttempts total tries.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts including the
	// first. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the exponential backoff: delay =
	// min(BaseDelay*2^attempt, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether an error should trigger a retry. If nil,
	// no error is retried (equivalent to MaxAttempts=1).
	Retryable func(error) bool
}

// Validate reports whether rp's configuration is internally consistent.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff returns the delay before retry attempt (0-based) under
// exponential backoff with jitter, capped at maxDelay (spec §4.2's
// "base · 2^k" formula).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if base <= 0 {
		return delay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) //nolint:gosec // jitter for retry timing, not security
	}
	return delay + jitter
}
