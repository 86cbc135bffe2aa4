package commission

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/metrics"
)

// RetryPolicy bounds the retries of a single storage operation.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return b
}

// retryValue runs op until it succeeds, fails permanently, or the policy is
// exhausted. The last error is returned on exhaustion.
func retryValue[T any](ctx context.Context, p RetryPolicy, log logrus.FieldLogger, operation string, op func() (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && IsPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.RecordRetry(operation)
			log.WithFields(logrus.Fields{
				"operation": operation,
				"wait":      wait,
			}).WithError(err).Warn("transient storage error, retrying")
		}),
	)
}

// retry is retryValue for operations without a result.
func retry(ctx context.Context, p RetryPolicy, log logrus.FieldLogger, operation string, op func() error) error {
	_, err := retryValue(ctx, p, log, operation, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
