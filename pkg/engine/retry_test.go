package engine

import (
	"context"
	"testing"
	"time"
)

type flakyAdapter struct {
	*fakeAdapter
	failures []error
	calls    int
}

func (a *flakyAdapter) Create(ctx context.Context, name string, template []byte, params map[string]string, opts StackOptions) error {
	a.calls++
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return err
	}
	return a.fakeAdapter.Create(ctx, name, template, params, opts)
}

func (a *flakyAdapter) Status(ctx context.Context, name string, opts StackOptions) (RemoteStatus, error) {
	a.calls++
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return RemoteStatus{}, err
	}
	return a.fakeAdapter.Status(ctx, name, opts)
}

func newRetrying(next Adapter, delays *[]time.Duration) *retryingAdapter {
	return &retryingAdapter{
		next:   next,
		policy: DefaultRetryPolicy(),
		sleep: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestRetryingAdapter_RetriesThrottledCreate(t *testing.T) {
	flaky := &flakyAdapter{fakeAdapter: newFakeAdapter(), failures: []error{
		NewThrottledError("rate exceeded", nil),
		NewConflictError("stack busy", nil),
	}}
	var delays []time.Duration
	a := newRetrying(flaky, &delays)

	if err := a.Create(context.Background(), "s", nil, nil, StackOptions{}); err != nil {
		t.Fatalf("failed to create stack: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 calls, got %d", flaky.calls)
	}
	if len(delays) != 2 || delays[0] <= delays[1] {
		t.Errorf("expected a throttling delay longer than the conflict delay, got %v", delays)
	}
}

func TestRetryingAdapter_DoesNotResendTransientCreate(t *testing.T) {
	flaky := &flakyAdapter{fakeAdapter: newFakeAdapter(), failures: []error{
		NewTransientError("connection reset", nil),
	}}
	var delays []time.Duration
	a := newRetrying(flaky, &delays)

	if err := a.Create(context.Background(), "s", nil, nil, StackOptions{}); err == nil {
		t.Fatal("expected the transient error to be returned")
	}
	if flaky.calls != 1 {
		t.Errorf("expected 1 call, got %d", flaky.calls)
	}
}

func TestRetryingAdapter_RetriesTransientReads(t *testing.T) {
	flaky := &flakyAdapter{fakeAdapter: newFakeAdapter(), failures: []error{
		NewTransientError("connection reset", nil),
	}}
	flaky.stacks["s"] = true
	var delays []time.Duration
	a := newRetrying(flaky, &delays)

	status, err := a.Status(context.Background(), "s", StackOptions{})
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if status.Status != StackStatusCreateComplete {
		t.Errorf("expected CREATE_COMPLETE, got %s", status.Status)
	}
}

func TestRetryingAdapter_GivesUp(t *testing.T) {
	throttled := NewThrottledError("rate exceeded", nil)
	flaky := &flakyAdapter{fakeAdapter: newFakeAdapter(), failures: []error{throttled, throttled, throttled, throttled, throttled}}
	var delays []time.Duration
	a := newRetrying(flaky, &delays)

	if err := a.Create(context.Background(), "s", nil, nil, StackOptions{}); !IsThrottled(err) {
		t.Fatalf("expected the throttled error after the last retry, got %v", err)
	}
	if flaky.calls != DefaultRetryPolicy().MaxRetries+1 {
		t.Errorf("expected %d calls, got %d", DefaultRetryPolicy().MaxRetries+1, flaky.calls)
	}
}

func TestRetryPolicy_BackoffIsCapped(t *testing.T) {
	p := DefaultRetryPolicy()
	if d := p.backoff(10, NewThrottledError("slow down", nil)); d > p.MaxDelay+p.MaxDelay/8 {
		t.Errorf("expected backoff capped near %s, got %s", p.MaxDelay, d)
	}
	if first, second := p.backoff(0, nil), p.backoff(1, nil); second != 2*first {
		t.Errorf("expected doubling, got %s then %s", first, second)
	}
}
