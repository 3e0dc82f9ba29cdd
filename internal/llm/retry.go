package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// backoffSchedule holds the fixed waits between attempts. The schedule is
// deliberately longer than the usual exponential curve because provider rate
// limit windows are coarse.
var backoffSchedule = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// Retryer re-issues a provider call on transient failures. Permanent errors
// return immediately after the first attempt.
type Retryer struct {
	// MaxAttempts is the total number of calls, first attempt included.
	MaxAttempts int
	// Sleep is swappable for tests. Defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryer returns a Retryer with the standard three-attempt budget.
func NewRetryer() *Retryer {
	return &Retryer{MaxAttempts: 3}
}

func (r *Retryer) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
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

// Do runs fn until it succeeds, fails permanently, or the attempt budget is
// spent. The final error carries the number of retries consumed so it can be
// persisted on the failed operation result.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffSchedule[min(attempt-1, len(backoffSchedule)-1)]
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !IsTransient(err) || ctx.Err() != nil {
			return nil, withRetryCount(err, attempt)
		}
	}
	return nil, withRetryCount(lastErr, attempts-1)
}

func withRetryCount(err error, retries int) error {
	if retries <= 0 {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		pe.RetryCount = retries
		return err
	}
	return fmt.Errorf("after %d retries: %w", retries, err)
}

// RetryCount extracts the retries recorded on err, if any.
func RetryCount(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryCount
	}
	return 0
}
