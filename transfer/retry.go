package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/relaybox/relay/storage"
	"github.com/relaybox/relay/transport"
)

// Retryable reports whether a failed chunk operation may be repeated:
// timeouts, transport errors and store throttling.
func Retryable(err error) bool {
	if errors.Is(err, transport.ErrNotSeekable) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	return errors.Is(err, storage.ErrThrottled)
}

// retry runs op with its own timeout and repeats it with exponential backoff
// while it fails with a retryable error.
func (e *Engine) retry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		defer cancel()

		err := op(opCtx)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || !Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.MaxRetries+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warnf("%s failed, retrying in %s: %s", name, next.Round(time.Millisecond), err)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
