package retry

import (
	"context"
	"time"

	"github.com/ClareAI/agent-bridge/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Retry runs an operation until it succeeds or the max elapsed time passes.
type Retry interface {
	Do(ctx context.Context, operation func() error) error
}

// New builds a Retry with exponential backoff between attempts.
func New(initialInterval, maxInterval, maxElapsedTime time.Duration) Retry {
	return &retryImpl{
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		maxElapsedTime:  maxElapsedTime,
	}
}

type retryImpl struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsedTime  time.Duration
}

func (r *retryImpl) Do(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = r.maxElapsedTime

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := operation()
		if err != nil {
			logger.Base().Warn("Retry attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
}
