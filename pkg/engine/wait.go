package engine

import (
	"context"
	"fmt"

	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// waitForFinished polls s until it converges. The platform stack is finished
// only when its outputs carry the frontend address and service discovery
// answers at that address. An ERROR status, a vanished stack or the timeout
// fail the stack with the latest provider event reason attached.
func (o *Orchestrator) waitForFinished(ctx context.Context, env *Environment, s *Stack, adapter Adapter) (err error) {
	ctx, span := o.tracer.StartStackSpan(ctx, s.Name, s.Provider, cloudName(s.Cloud))
	timer := telemetry.NewTimer()
	defer func() {
		o.metrics.RecordStackWait(s.Provider, telemetry.Result(err), timer.Duration())
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	logger := o.stackLogger(s)
	deadline := o.now().Add(o.opts.Timeout)
	for {
		status, err := s.LiveStatus(ctx, adapter)
		switch {
		case IsNotFound(err):
			return o.failStack(ctx, s, adapter, NewTransientError("stack disappeared while waiting", err).
				WithCode(ErrCodeStackNotFound))
		case err != nil:
			return o.failStack(ctx, s, adapter, fmt.Errorf("failed to query stack %s: %w", s.Name, err))
		}

		switch status {
		case StackStatusError:
			return o.failStack(ctx, s, adapter, NewTransientError("stack failed", nil).
				WithCode(ErrCodeStackFailed))
		case StackStatusCreateComplete:
			ready, err := o.converged(ctx, env, s, adapter)
			if err != nil {
				return o.failStack(ctx, s, adapter, err)
			}
			if ready {
				logger.Info("stack converged")
				return o.transition(ctx, s, StackStatusCreateComplete)
			}
		}

		if !o.now().Before(deadline) {
			return o.failStack(ctx, s, adapter, NewTransientError(fmt.Sprintf("stack did not converge within %s", o.opts.Timeout), nil).
				WithCode(ErrCodeTimeout))
		}
		if err := o.sleep(ctx, o.opts.PollInterval); err != nil {
			return err
		}
	}
}

// converged reads the outputs of a remotely complete stack and, for the
// platform stack, checks the frontend address and service discovery.
func (o *Orchestrator) converged(ctx context.Context, env *Environment, s *Stack, adapter Adapter) (bool, error) {
	outputs, err := adapter.Outputs(ctx, s.Name, s.Options())
	if err != nil {
		return false, fmt.Errorf("failed to read outputs of stack %s: %w", s.Name, err)
	}
	s.Outputs = outputs
	if !s.Pattern.IsPlatform() {
		return true, nil
	}

	address := outputs[o.opts.FrontendAddressKey]
	if address == "" {
		o.stackLogger(s).Debugf("stack outputs lack %s", o.opts.FrontendAddressKey)
		return false, nil
	}
	running, err := o.deps.Discovery.IsRunning(ctx, address)
	if err != nil || !running {
		o.stackLogger(s).WithField("frontend_address", address).Debug("service discovery is not answering yet")
		return false, nil
	}

	env.FrontendAddress = address
	env.PlatformOutputs = outputs
	return true, nil
}

// failStack marks s ERROR and returns cause annotated with the most recent
// provider event reason.
func (o *Orchestrator) failStack(ctx context.Context, s *Stack, adapter Adapter, cause error) error {
	reason := o.latestReason(ctx, s, adapter)
	err := NewTransientError(fmt.Sprintf("stack %s failed", s.Name), cause).
		WithResource(s.Name).
		WithCode(ErrorCode(cause))
	if reason != "" {
		err = err.WithDetail("reason", reason)
		err.Message = fmt.Sprintf("stack %s failed: %s", s.Name, reason)
	}
	if IsPermanent(cause) {
		err.Class = ErrorClassPermanent
	}

	o.stackLogger(s).WithError(cause).WithField("reason", reason).Warn("stack failed")
	s.Status = StackStatusError
	if saveErr := o.saveStack(ctx, s); saveErr != nil {
		o.stackLogger(s).WithError(saveErr).Error("failed to record stack failure")
	}
	return err
}

func (o *Orchestrator) latestReason(ctx context.Context, s *Stack, adapter Adapter) string {
	events, err := adapter.Events(ctx, s.Name, s.Options())
	if err != nil {
		return ""
	}
	for _, e := range events {
		if e.StatusReason != "" {
			return e.StatusReason
		}
	}
	return ""
}

// waitForDeleted polls a destroyed stack until the provider no longer knows
// it. It gives up silently when the destroy timeout elapses.
func (o *Orchestrator) waitForDeleted(ctx context.Context, s *Stack, adapter Adapter) error {
	deadline := o.now().Add(o.opts.DestroyTimeout)
	for {
		remote, err := adapter.Status(ctx, s.Name, s.Options())
		switch {
		case IsNotFound(err):
			return nil
		case err != nil:
			return fmt.Errorf("failed to query stack %s: %w", s.Name, err)
		case remote.Status == StackStatusError:
			return NewTransientError(fmt.Sprintf("stack %s could not be deleted (%s)", s.Name, remote.Raw), nil).
				WithCode(ErrCodeStackFailed).
				WithResource(s.Name)
		}
		if !o.now().Before(deadline) {
			o.stackLogger(s).Warnf("stack still exists after %s", o.opts.DestroyTimeout)
			return nil
		}
		if err := o.sleep(ctx, o.opts.PollInterval); err != nil {
			return err
		}
	}
}

func cloudName(c *Cloud) string {
	if c == nil {
		return ""
	}
	return c.Name
}
