package engine

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds the retries of a single adapter call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is doubled on every attempt and capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the retry policy used for adapter calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	}
}

// backoff returns the delay before retry attempt+1. Throttled errors wait
// longer than conflicts, which wait longer than other errors.
func (p RetryPolicy) backoff(attempt int, err error) time.Duration {
	base := p.BaseDelay
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay + delay/8
}

// retryingAdapter retries adapter calls that failed with a retryable error.
// Mutating calls are only retried when the provider throttled or reported a
// conflict, so a request that may have been accepted is never sent twice.
type retryingAdapter struct {
	next    Adapter
	policy  RetryPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(op string, attempt int, err error)
}

func (a *retryingAdapter) do(ctx context.Context, op string, mutating bool, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		retryable := IsThrottled(err) || IsConflict(err) || (!mutating && IsTransient(err))
		if !retryable || attempt >= a.policy.MaxRetries {
			return err
		}
		if a.onRetry != nil {
			a.onRetry(op, attempt+1, err)
		}
		if sleepErr := a.sleep(ctx, a.policy.backoff(attempt, err)); sleepErr != nil {
			return sleepErr
		}
	}
}

func (a *retryingAdapter) Create(ctx context.Context, name string, template []byte, params map[string]string, opts StackOptions) error {
	return a.do(ctx, "create", true, func() error {
		return a.next.Create(ctx, name, template, params, opts)
	})
}

func (a *retryingAdapter) Update(ctx context.Context, name string, template []byte, params map[string]string, opts StackOptions) error {
	return a.do(ctx, "update", true, func() error {
		return a.next.Update(ctx, name, template, params, opts)
	})
}

func (a *retryingAdapter) Destroy(ctx context.Context, name string, opts StackOptions) error {
	return a.do(ctx, "destroy", true, func() error {
		return a.next.Destroy(ctx, name, opts)
	})
}

func (a *retryingAdapter) Status(ctx context.Context, name string, opts StackOptions) (RemoteStatus, error) {
	var status RemoteStatus
	err := a.do(ctx, "status", false, func() error {
		var err error
		status, err = a.next.Status(ctx, name, opts)
		return err
	})
	return status, err
}

func (a *retryingAdapter) Outputs(ctx context.Context, name string, opts StackOptions) (map[string]string, error) {
	var outputs map[string]string
	err := a.do(ctx, "outputs", false, func() error {
		var err error
		outputs, err = a.next.Outputs(ctx, name, opts)
		return err
	})
	return outputs, err
}

func (a *retryingAdapter) Events(ctx context.Context, name string, opts StackOptions) ([]StackEvent, error) {
	var events []StackEvent
	err := a.do(ctx, "events", false, func() error {
		var err error
		events, err = a.next.Events(ctx, name, opts)
		return err
	})
	return events, err
}
