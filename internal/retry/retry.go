package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// DefaultBackoff is multiplied by the attempt number between retries.
const DefaultBackoff = 5 * time.Second

// ErrExhausted is wrapped into the error returned once every attempt failed
// with a transient error.
var ErrExhausted = errors.New("retries exhausted")

// TransientError marks a failure worth retrying even though it is not a
// network timeout (for example an HTTP 429).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a timeout or was marked Transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Policy retries transient failures with linear backoff and gives up
// immediately on anything else.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Sleep defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// New returns a policy with the default backoff.
func New(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, Backoff: DefaultBackoff}
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// attempt budget is spent.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("failed after %d attempts: %w: %w", attempts, ErrExhausted, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := p.sleep(ctx, p.Backoff*time.Duration(attempt)); err != nil {
			return err
		}
	}
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
