// Package retry runs provider calls under a bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/smallbiznis/valora-crmsync/internal/config"
	"github.com/smallbiznis/valora-crmsync/internal/domain"
)

// Policy describes how often and how long a call is retried.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Classify decides whether an error is worth retrying. Defaults to domain.IsRetryable.
	Classify func(error) bool
}

// FromConfig builds a Policy from RetryConfig. MaxAttempts counts the first call.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxRetries:      max(cfg.MaxAttempts-1, 0),
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}
}

// None never retries.
func None() Policy { return Policy{} }

// Do runs op until it succeeds, returns a non-retryable error, or the budget is spent.
// The last error returned by op is returned unchanged.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = domain.IsRetryable
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if p.MaxRetries <= 0 {
		b = &backoff.StopBackOff{}
	} else {
		b = backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
	}

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
