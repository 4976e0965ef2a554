package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arwahdevops/bisync/internal/provider"
)

// retrier reruns an operation while it fails with a transient error, up to
// maxRetries extra attempts. notify runs before every wait; an error from it
// stops the loop. A *SyncError is final and never retried; exhausting the
// retries yields a transient *SyncError.
type retrier struct {
	maxRetries int
	newBackOff func() backoff.BackOff
	notify     func(ctx context.Context, attempt int, wait time.Duration, err error) error
}

func (r retrier) do(ctx context.Context, op func() error) error {
	var (
		attempt   int
		notifyErr error
	)
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.maxRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		if notifyErr != nil {
			return backoff.Permanent(notifyErr)
		}
		err := op()
		var se *SyncError
		if err != nil && (errors.As(err, &se) || !provider.IsTransient(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		attempt++
		if r.notify != nil {
			notifyErr = r.notify(ctx, attempt, wait, err)
		}
	})
	var se *SyncError
	if err != nil && !errors.As(err, &se) && provider.IsTransient(err) {
		return &SyncError{Kind: KindTransient, Err: fmt.Errorf("giving up after %d retries: %w", attempt, err)}
	}
	return err
}
