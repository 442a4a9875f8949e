// Package retry wraps a fallible operation in the pipeline's retry policy:
// bounded attempts, exponential backoff with jitter, optional per-attempt
// timeouts, and context cancellation at every suspension point.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
)

// Options bound one retry sequence. MaxAttempts counts every invocation
// including the first, so MaxAttempts=1 disables retrying.
type Options struct {
	// Service names the dependency in logs and exhaustion errors
	Service string
	// Total invocation budget; values below 1 are treated as 1
	MaxAttempts int
	// Delay before the first retry; doubles each retry up to MaxDelay
	BaseDelay time.Duration
	// Upper bound on a single backoff delay
	MaxDelay time.Duration
	// Upper bound on the random jitter added to each delay
	MaxJitter time.Duration
	// Per-attempt timeout; zero leaves attempts bounded only by ctx
	AttemptTimeout time.Duration
	// Retry predicate; nil means killfeederrors.IsRetryable
	ShouldRetry func(error) bool
	// OnRetry observes each failed attempt that will be retried; attempt is
	// 1-based. Used to feed retry counters without coupling to a registry.
	OnRetry func(attempt int, err error)
}

// Do runs op under the retry policy and returns its first success. A
// non-retryable error returns immediately. Spending the whole attempt budget
// on retryable errors returns an ErrDependencyExhausted wrapping the last
// error. Cancelling ctx aborts the current backoff sleep and returns the
// context's error without consuming further attempts.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var result T

	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = killfeederrors.IsRetryable
	}
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	// RandomDelay draws from [0, maxJitter) and panics on a zero bound, so
	// jitter only joins the delay chain when configured.
	delayType := retry.DelayType(retry.BackOffDelay)
	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(opts.BaseDelay),
		retry.MaxDelay(opts.MaxDelay),
		retry.RetryIf(shouldRetry),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Attempt %d/%d against %q failed, will retry", n+1, attempts, opts.Service)
			if opts.OnRetry != nil {
				opts.OnRetry(int(n)+1, err)
			}
		}),
	}
	if opts.MaxJitter > 0 {
		delayType = retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay))
		retryOpts = append(retryOpts, retry.MaxJitter(opts.MaxJitter))
	}
	retryOpts = append(retryOpts, delayType)

	err := retry.Do(
		func() error {
			attemptCtx := ctx
			if opts.AttemptTimeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, opts.AttemptTimeout)
				defer cancel()
			}
			var attemptErr error
			result, attemptErr = op(attemptCtx)
			return attemptErr
		},
		retryOpts...,
	)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return result, err
	}
	if shouldRetry(err) {
		return result, &killfeederrors.ErrDependencyExhausted{Service: opts.Service, Attempts: attempts, Err: err}
	}
	return result, err
}
