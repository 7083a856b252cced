package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dvloznov/pbp-backfill/internal/domain"
)

// RetryPolicy bounds how often a failed batch is re-sent. The zero value sends
// every batch exactly once.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Do runs op until it succeeds, fails permanently, or the attempts run out.
// Only transient upsert failures are retried; the last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	if p.MaxAttempts <= 1 {
		return op()
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func retryable(err error) bool {
	var ue *domain.UpsertError
	return errors.As(err, &ue) && ue.Transient()
}
