package fabric

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/logging"
)

// DialFunc attempts one connection setup; it must classify a rejected
// connect attempt with tsbuild.CodeRejected (tsbuild.Recoverable(err)) so
// ConnectWithRetry knows to retry rather than give up.
type DialFunc func(ctx context.Context) (*Connection, []byte, error)

// ConnectWithRetry implements spec.md §4.2 "Rejection handling": if the
// fabric rejects an initial connect attempt, the endpoint is destroyed and
// a new one created immediately for the same index, and the sender
// retries connect. The first retry after a rejection is posted
// immediately; subsequent retries for the same (i,j) pair back off
// exponentially so a wedged peer cannot spin an input thread at 100% CPU.
func ConnectWithRetry(ctx context.Context, dial DialFunc, log *logging.Logger) (*Connection, []byte, error) {
	runBackoff := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
	}
	runBackoff.Reset()

	attempt := 0
	for {
		attempt++
		c, priv, err := dial(ctx)
		if err == nil {
			return c, priv, nil
		}

		if !tsbuild.Recoverable(err) {
			return nil, nil, err
		}
		if log != nil {
			log.Warnf("connect attempt %d rejected, retrying: %v", attempt, err)
		}

		// The first retry after a rejection fires immediately, per
		// spec.md §4.2; only the second and later retries for this
		// (i,j) pair pay the exponential backoff.
		var wait time.Duration
		if attempt > 1 {
			wait = runBackoff.NextBackOff()
		}
		select {
		case <-ctx.Done():
			return nil, nil, tsbuild.Wrap("connect_retry", tsbuild.CodeAborted, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// IsRefused reports whether err is the OS-level "connection refused"
// condition a passive-side reject produces.
func IsRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
