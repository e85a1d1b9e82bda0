package engine

import (
	"context"
	"fmt"

	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// build walks the candidate clouds by priority. A failed candidate is torn
// down and its stacks are reset to PENDING before the next one is tried. When
// every candidate failed, all stacks end ERROR and the last error is returned;
// a later build starts over from fresh PENDING stacks.
func (o *Orchestrator) build(ctx context.Context, env *Environment) error {
	if err := env.Validate(); err != nil {
		return err
	}
	logger := o.logger.WithEnvironment(env.ID)

	candidates := env.SortedCandidates()
	if err := o.ensureStacks(ctx, env, candidates[0].Cloud); err != nil {
		return err
	}
	if err := o.reviveFailed(ctx, env); err != nil {
		return err
	}

	var lastErr error
	for i, candidate := range candidates {
		cloud := candidate.Cloud
		if i > 0 {
			o.metrics.RecordCandidateFallback(cloud.Type)
			logger.WithCloud(cloud.Name).WithField("priority", candidate.Priority).
				Info("falling back to next candidate cloud")
		}

		attemptCtx, span := o.tracer.StartSpan(ctx, "environment.candidate",
			telemetry.AttrCloudName.String(cloud.Name),
			telemetry.AttrCloudType.String(cloud.Type),
		)
		err := o.buildOn(attemptCtx, env, cloud)
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
		if err == nil {
			return o.finish(ctx, env, OperationCreate, nil)
		}

		lastErr = err
		logger.WithCloud(cloud.Name).WithError(err).Warn("candidate cloud failed")
		if resetErr := o.resetStacks(ctx, env); resetErr != nil {
			logger.WithCloud(cloud.Name).WithError(resetErr).Error("failed to reset stacks")
		}
		if !shouldFallback(err) {
			break
		}
	}

	o.markFailed(ctx, env)
	return lastErr
}

// buildOn provisions every PENDING stack of env on cloud, platform first.
func (o *Orchestrator) buildOn(ctx context.Context, env *Environment, cloud *Cloud) error {
	provider, err := o.deps.Selector.Select(cloud, env)
	if err != nil {
		return err
	}
	adapter, err := o.adapter(provider, cloud)
	if err != nil {
		return err
	}

	var pending []*Stack
	for _, s := range env.OrderedStacks() {
		if s.Status == StackStatusPending {
			pending = append(pending, s)
		}
	}
	if err := o.render(env, pending, cloud, provider); err != nil {
		return err
	}

	for _, s := range pending {
		if err := o.provision(ctx, env, s, adapter, StackStatusReadyForCreate); err != nil {
			return err
		}
	}
	return nil
}

// provision submits one rendered stack and waits for it to converge.
func (o *Orchestrator) provision(ctx context.Context, env *Environment, s *Stack, adapter Adapter, ready StackStatus) error {
	s.Parameters = stackParameters(env, s)
	if err := o.transition(ctx, s, ready); err != nil {
		return err
	}

	o.stackLogger(s).Infof("submitting stack (%s)", ready)
	if err := s.Submit(ctx, adapter); err != nil {
		if saveErr := o.saveStack(ctx, s); saveErr != nil {
			o.stackLogger(s).WithError(saveErr).Error("failed to record stack failure")
		}
		return NewTransientError(fmt.Sprintf("provider rejected stack %s", s.Name), err).
			WithCode(ErrorCode(err)).
			WithResource(s.Name).
			WithOperation(string(ready))
	}
	if err := o.saveStack(ctx, s); err != nil {
		return err
	}

	if err := o.waitForFinished(ctx, env, s, adapter); err != nil {
		return err
	}
	if s.Pattern.IsPlatform() {
		if err := o.saveEnvironment(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// ensureStacks creates a PENDING stack on cloud for every pattern of env
// that has none.
func (o *Orchestrator) ensureStacks(ctx context.Context, env *Environment, cloud *Cloud) error {
	existing := make(map[string]bool, len(env.Stacks))
	for _, s := range env.Stacks {
		existing[s.Pattern.Name] = true
	}
	for _, p := range env.Patterns {
		if existing[p.Name] {
			continue
		}
		s := NewStack(env, p, cloud)
		if err := o.deps.Repository.CreateStack(ctx, s); err != nil {
			return fmt.Errorf("failed to create stack %s: %w", s.Name, err)
		}
		env.Stacks = append(env.Stacks, s)
	}
	return nil
}

// resetStacks tears down the submitted stacks of env and replaces each of
// them with a fresh PENDING record. Environment fields taken from the
// platform stack are cleared.
func (o *Orchestrator) resetStacks(ctx context.Context, env *Environment) error {
	teardownErr := o.teardown(ctx, env)

	for i, s := range env.Stacks {
		if s.Status == StackStatusPending {
			s.Provider = ""
			s.Template = nil
			continue
		}
		if err := o.rotateStack(ctx, env, i); err != nil {
			return err
		}
	}

	env.FrontendAddress = ""
	env.PlatformOutputs = nil
	if err := o.saveEnvironment(ctx, env); err != nil {
		return err
	}
	return teardownErr
}

// reviveFailed replaces the ERROR stacks left by a build that failed on every
// candidate with fresh PENDING records. Those stacks were reset before they
// were marked failed and were never submitted.
func (o *Orchestrator) reviveFailed(ctx context.Context, env *Environment) error {
	for i, s := range env.Stacks {
		if s.Status != StackStatusError || s.Submitted() {
			continue
		}
		o.stackLogger(s).Info("reviving stack of a failed build")
		if err := o.rotateStack(ctx, env, i); err != nil {
			return err
		}
	}
	return nil
}

// rotateStack replaces env.Stacks[i] with a fresh PENDING record.
func (o *Orchestrator) rotateStack(ctx context.Context, env *Environment, i int) error {
	s := env.Stacks[i]
	fresh := s.Reset(s.Cloud)
	if err := o.deps.Repository.DeleteStack(ctx, s.ID); err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete stack record %s: %w", s.ID, err)
	}
	if err := o.deps.Repository.CreateStack(ctx, fresh); err != nil {
		return fmt.Errorf("failed to create stack %s: %w", fresh.Name, err)
	}
	env.Stacks[i] = fresh
	return nil
}

// markFailed sets every stack of env to ERROR.
func (o *Orchestrator) markFailed(ctx context.Context, env *Environment) {
	for _, s := range env.Stacks {
		if err := o.transition(ctx, s, StackStatusError); err != nil {
			o.stackLogger(s).WithError(err).Error("failed to mark stack as failed")
		}
	}
}

func (o *Orchestrator) saveEnvironment(ctx context.Context, env *Environment) error {
	env.UpdatedAt = o.now()
	if err := o.deps.Repository.SaveEnvironment(ctx, env); err != nil {
		return fmt.Errorf("failed to save environment %s: %w", env.ID, err)
	}
	return nil
}
