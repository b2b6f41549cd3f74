package channel

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryPublisher retries transient publish failures with exponential backoff.
// It never queues messages beyond the retry window.
type RetryPublisher struct {
	delegate     Publisher
	buildBackoff func() backoff.BackOff
}

func NewRetryPublisher(delegate Publisher, factory func() backoff.BackOff) *RetryPublisher {
	if factory == nil {
		factory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		}
	}
	return &RetryPublisher{delegate: delegate, buildBackoff: factory}
}

func (p *RetryPublisher) Publish(ctx context.Context, name string, payload []byte) error {
	b := backoff.WithContext(p.buildBackoff(), ctx)
	return backoff.Retry(func() error {
		err := p.delegate.Publish(ctx, name, payload)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

var _ Publisher = (*RetryPublisher)(nil)
