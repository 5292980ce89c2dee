package action

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"stageflow/internal/core"
)

const (
	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMax     = 30 * time.Second
)

// WithRetry wraps p so failed attempts are retried with exponential backoff,
// up to policy.MaxAttempts attempts in total.
//
// Context cancellation, deadline expiry and validation errors end the loop
// immediately. onAttempt, if set, is called before every attempt with its
// 1-based number.
func WithRetry(p Procedure, policy core.RetryPolicy, onAttempt func(attempt int)) Procedure {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Func(func(ctx context.Context, inputs map[string][]byte) (map[string][]byte, error) {
		if maxAttempts == 1 {
			if onAttempt != nil {
				onAttempt(1)
			}
			return p.Execute(ctx, inputs)
		}

		attempt := 0
		op := func() (map[string][]byte, error) {
			attempt++
			if onAttempt != nil {
				onAttempt(attempt)
			}
			out, err := p.Execute(ctx, inputs)
			if err == nil {
				return out, nil
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrValidation) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = policy.InitialInterval
		if exp.InitialInterval <= 0 {
			exp.InitialInterval = defaultRetryInitial
		}
		exp.MaxInterval = policy.MaxInterval
		if exp.MaxInterval <= 0 {
			exp.MaxInterval = defaultRetryMax
		}
		return backoff.Retry(ctx, op,
			backoff.WithBackOff(exp),
			backoff.WithMaxTries(uint(maxAttempts)),
			backoff.WithMaxElapsedTime(maxElapsed(ctx)),
		)
	})
}

// maxElapsed lets the action deadline, not the backoff library, bound retries.
func maxElapsed(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline) + time.Second
	}
	return 24 * time.Hour
}
