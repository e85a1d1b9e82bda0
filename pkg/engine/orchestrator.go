package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// Options tunes the orchestrator.
type Options struct {
	// PollInterval is the wait between two stack status queries.
	PollInterval time.Duration

	// Timeout bounds the convergence of one stack.
	Timeout time.Duration

	// DestroyTimeout bounds the wait for optional stacks to disappear before
	// the platform stack is destroyed.
	DestroyTimeout time.Duration

	// FrontendAddressKey is the platform stack output holding the frontend address.
	FrontendAddressKey string

	// EventTimeout bounds the wait for node results of one event.
	EventTimeout time.Duration

	// Retry bounds the retries of throttled or conflicting adapter calls.
	Retry RetryPolicy
}

// DefaultOptions returns the orchestrator defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval:       10 * time.Second,
		Timeout:            60 * time.Minute,
		DestroyTimeout:     30 * time.Minute,
		FrontendAddressKey: "FrontendAddress",
		EventTimeout:       30 * time.Minute,
		Retry:              DefaultRetryPolicy(),
	}
}

// Dependencies are the collaborators of the orchestrator.
type Dependencies struct {
	Repository Repository
	Adapters   AdapterProvider
	Selector   *Selector
	EventBus   EventBus
	Discovery  Discovery

	// Notifier is optional.
	Notifier Notifier

	// Logger, Metrics and Tracer are optional.
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Orchestrator builds, updates and destroys the stacks of environments.
//
// Each operation runs on a single goroutine and handles the stacks of one
// environment sequentially, platform stack first. Operations on different
// environments are independent; a second operation on an environment that is
// already being worked on is rejected.
type Orchestrator struct {
	deps    Dependencies
	opts    Options
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// sleep and now are replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu     sync.Mutex
	active map[string]OperationType
}

// NewOrchestrator creates an orchestrator. Zero option fields take their
// default values.
func NewOrchestrator(deps Dependencies, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Repository == nil:
		return nil, NewPermanentError("orchestrator needs a repository", nil).WithCode(ErrCodeConfiguration)
	case deps.Adapters == nil:
		return nil, NewPermanentError("orchestrator needs an adapter provider", nil).WithCode(ErrCodeConfiguration)
	case deps.Selector == nil:
		return nil, NewPermanentError("orchestrator needs a provider selector", nil).WithCode(ErrCodeConfiguration)
	case deps.EventBus == nil:
		return nil, NewPermanentError("orchestrator needs an event bus", nil).WithCode(ErrCodeConfiguration)
	case deps.Discovery == nil:
		return nil, NewPermanentError("orchestrator needs a discovery client", nil).WithCode(ErrCodeConfiguration)
	}

	defaults := DefaultOptions()
	if opts.PollInterval < 0 {
		opts.PollInterval = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = defaults.DestroyTimeout
	}
	if opts.FrontendAddressKey == "" {
		opts.FrontendAddressKey = defaults.FrontendAddressKey
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = defaults.EventTimeout
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry = defaults.Retry
	}

	logger := deps.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		var err error
		tracer, err = telemetry.NewTracer(telemetry.TracingConfig{}, "conductor", "", "")
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
	}

	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		logger:  logger.NewComponentLogger("orchestrator"),
		metrics: deps.Metrics,
		tracer:  tracer,
		sleep:   sleepContext,
		now:     time.Now,
		active:  make(map[string]OperationType),
	}, nil
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// Build provisions the stacks of env on the first candidate cloud that
// succeeds, then runs the post-convergence events.
func (o *Orchestrator) Build(ctx context.Context, env *Environment) error {
	release, err := o.acquire(env.ID, OperationCreate)
	if err != nil {
		return err
	}
	defer release()
	return o.run(ctx, env, OperationCreate)
}

// Update submits the current templates of env to the cloud it was built on.
func (o *Orchestrator) Update(ctx context.Context, env *Environment) error {
	release, err := o.acquire(env.ID, OperationUpdate)
	if err != nil {
		return err
	}
	defer release()
	return o.run(ctx, env, OperationUpdate)
}

// DestroyStacks destroys the stacks of env, optional stacks before the
// platform stack, and removes their records.
func (o *Orchestrator) DestroyStacks(ctx context.Context, env *Environment) error {
	release, err := o.acquire(env.ID, OperationDelete)
	if err != nil {
		return err
	}
	defer release()
	return o.run(ctx, env, OperationDelete)
}

// Start runs op for env on a background goroutine and returns immediately.
// The goroutine is not cancelled with ctx; values carried by ctx are kept.
func (o *Orchestrator) Start(ctx context.Context, env *Environment, op OperationType) (*Task, error) {
	if err := op.Validate(); err != nil {
		return nil, NewPermanentError("invalid operation", err).WithCode(ErrCodeValidation)
	}
	release, err := o.acquire(env.ID, op)
	if err != nil {
		return nil, err
	}

	task := newTask(env.ID, op)
	go func() {
		execCtx := context.WithoutCancel(ctx)
		err := o.run(execCtx, env, op)
		release()
		if err != nil {
			o.logger.WithEnvironment(env.ID).WithError(err).
				WithField("task_id", task.ID).
				Errorf("background %s failed", op)
		}
		task.finish(err)
	}()
	return task, nil
}

// DestroyStacksInBackground starts DestroyStacks on a background goroutine.
func (o *Orchestrator) DestroyStacksInBackground(ctx context.Context, env *Environment) (*Task, error) {
	return o.Start(ctx, env, OperationDelete)
}

// Running reports the operation currently running on an environment.
func (o *Orchestrator) Running(environmentID string) (OperationType, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.active[environmentID]
	return op, ok
}

func (o *Orchestrator) acquire(environmentID string, op OperationType) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if running, ok := o.active[environmentID]; ok {
		return nil, NewConflictError(fmt.Sprintf("environment is busy with %s", running), nil).
			WithCode(ErrCodeConflict).
			WithResource(environmentID).
			WithOperation(string(op))
	}
	o.active[environmentID] = op
	return func() {
		o.mu.Lock()
		delete(o.active, environmentID)
		o.mu.Unlock()
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, env *Environment, op OperationType) (err error) {
	ctx, span := o.tracer.StartOperationSpan(ctx, string(op), env.ID)
	timer := telemetry.NewTimer()
	o.metrics.RecordOperationStarted(string(op))
	defer func() {
		o.metrics.RecordOperationCompleted(string(op), telemetry.Result(err), timer.Duration())
		if err != nil {
			telemetry.RecordError(span, err)
			o.recordError(err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	switch op {
	case OperationCreate:
		return o.build(ctx, env)
	case OperationUpdate:
		return o.update(ctx, env)
	default:
		return o.destroy(ctx, env)
	}
}

func (o *Orchestrator) recordError(err error) {
	class := "unclassified"
	switch {
	case IsTransient(err):
		class = string(ErrorClassTransient)
	case IsThrottled(err):
		class = string(ErrorClassThrottled)
	case IsConflict(err):
		class = string(ErrorClassConflict)
	case IsPermanent(err):
		class = string(ErrorClassPermanent)
	}
	o.metrics.RecordError(class, ErrorCode(err))
}

// transition moves a stack to next and persists it.
func (o *Orchestrator) transition(ctx context.Context, s *Stack, next StackStatus) error {
	if err := s.Transition(next); err != nil {
		return err
	}
	return o.saveStack(ctx, s)
}

func (o *Orchestrator) saveStack(ctx context.Context, s *Stack) error {
	o.metrics.RecordStackTransition(string(s.Status))
	o.stackLogger(s).Debugf("stack is %s", s.Status)
	if err := o.deps.Repository.UpdateStack(ctx, s); err != nil {
		return fmt.Errorf("failed to save stack %s: %w", s.Name, err)
	}
	return nil
}

func (o *Orchestrator) stackLogger(s *Stack) *telemetry.Logger {
	l := o.logger.WithEnvironment(s.EnvironmentID).WithStack(s.Name)
	if s.Cloud != nil {
		l = l.WithCloud(s.Cloud.Name)
	}
	if s.Provider != "" {
		l = l.WithProvider(s.Provider)
	}
	return l
}

func (o *Orchestrator) adapterFor(s *Stack) (Adapter, error) {
	if s.Cloud == nil {
		return nil, NewPermanentError("stack is not bound to a cloud", nil).
			WithCode(ErrCodeValidation).WithResource(s.Name)
	}
	return o.adapter(s.Provider, s.Cloud)
}

// adapter returns the adapter for provider on cloud wrapped with the retry
// policy.
func (o *Orchestrator) adapter(provider string, cloud *Cloud) (Adapter, error) {
	next, err := o.deps.Adapters.Adapter(provider, cloud)
	if err != nil {
		return nil, err
	}
	logger := o.logger.WithProvider(provider).WithCloud(cloud.Name)
	return &retryingAdapter{
		next:   next,
		policy: o.opts.Retry,
		sleep: func(ctx context.Context, d time.Duration) error {
			return o.sleep(ctx, d)
		},
		onRetry: func(op string, attempt int, err error) {
			logger.WithError(err).Warnf("retrying %s (attempt %d/%d)", op, attempt, o.opts.Retry.MaxRetries)
		},
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
