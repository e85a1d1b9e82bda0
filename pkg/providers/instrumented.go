package providers

import (
	"context"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// instrumentedAdapter records metrics and spans around every adapter call.
type instrumentedAdapter struct {
	next     engine.Adapter
	provider string
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

func (a *instrumentedAdapter) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var span trace.Span
	if a.tracer != nil {
		ctx, span = a.tracer.StartProviderSpan(ctx, a.provider, operation)
		defer span.End()
	}

	timer := telemetry.NewTimer()
	err := fn(ctx)
	a.metrics.RecordProviderCall(a.provider, operation, timer.Duration())

	// A missing stack is an answer, not a provider failure.
	if err != nil && !engine.IsNotFound(err) {
		a.metrics.RecordProviderError(a.provider, operation)
		if span != nil {
			telemetry.RecordError(span, err)
		}
	} else if span != nil {
		telemetry.RecordSuccess(span)
	}
	return err
}

func (a *instrumentedAdapter) Create(ctx context.Context, name string, template []byte, params map[string]string, opts engine.StackOptions) error {
	return a.observe(ctx, "create", func(ctx context.Context) error {
		return a.next.Create(ctx, name, template, params, opts)
	})
}

func (a *instrumentedAdapter) Update(ctx context.Context, name string, template []byte, params map[string]string, opts engine.StackOptions) error {
	return a.observe(ctx, "update", func(ctx context.Context) error {
		return a.next.Update(ctx, name, template, params, opts)
	})
}

func (a *instrumentedAdapter) Destroy(ctx context.Context, name string, opts engine.StackOptions) error {
	return a.observe(ctx, "destroy", func(ctx context.Context) error {
		return a.next.Destroy(ctx, name, opts)
	})
}

func (a *instrumentedAdapter) Status(ctx context.Context, name string, opts engine.StackOptions) (engine.RemoteStatus, error) {
	var status engine.RemoteStatus
	err := a.observe(ctx, "status", func(ctx context.Context) error {
		var err error
		status, err = a.next.Status(ctx, name, opts)
		return err
	})
	return status, err
}

func (a *instrumentedAdapter) Outputs(ctx context.Context, name string, opts engine.StackOptions) (map[string]string, error) {
	var outputs map[string]string
	err := a.observe(ctx, "outputs", func(ctx context.Context) error {
		var err error
		outputs, err = a.next.Outputs(ctx, name, opts)
		return err
	})
	return outputs, err
}

func (a *instrumentedAdapter) Events(ctx context.Context, name string, opts engine.StackOptions) ([]engine.StackEvent, error) {
	var events []engine.StackEvent
	err := a.observe(ctx, "events", func(ctx context.Context) error {
		var err error
		events, err = a.next.Events(ctx, name, opts)
		return err
	})
	return events, err
}
