package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// destroy tears down every stack of env and deletes the stack records.
func (o *Orchestrator) destroy(ctx context.Context, env *Environment) error {
	teardownErr := o.teardown(ctx, env)

	for _, s := range env.Stacks {
		if err := o.deps.Repository.DeleteStack(ctx, s.ID); err != nil && !IsNotFound(err) {
			return errors.Join(teardownErr, fmt.Errorf("failed to delete stack record %s: %w", s.ID, err))
		}
	}
	env.Stacks = nil
	env.FrontendAddress = ""
	env.PlatformOutputs = nil
	if err := o.saveEnvironment(ctx, env); err != nil {
		return errors.Join(teardownErr, err)
	}
	return teardownErr
}

// teardown destroys the optional stacks of env in parallel, waits until they
// are gone or the destroy timeout elapsed, then destroys the platform stack.
// PENDING stacks were never submitted and are skipped.
func (o *Orchestrator) teardown(ctx context.Context, env *Environment) error {
	logger := o.logger.WithEnvironment(env.ID)

	var g errgroup.Group
	for _, s := range env.OptionalStacks() {
		if s.Status == StackStatusPending {
			continue
		}
		g.Go(func() error {
			adapter, err := o.adapterFor(s)
			if err != nil {
				return err
			}
			o.stackLogger(s).Info("destroying stack")
			if err := s.Destroy(ctx, adapter); err != nil {
				return err
			}
			return o.waitForDeleted(ctx, s, adapter)
		})
	}
	optionalErr := g.Wait()
	if optionalErr != nil {
		logger.WithError(optionalErr).Warn("optional stacks were not destroyed cleanly")
	}

	platform := env.PlatformStack()
	if platform == nil || platform.Status == StackStatusPending {
		return optionalErr
	}
	adapter, err := o.adapterFor(platform)
	if err != nil {
		return errors.Join(optionalErr, err)
	}
	o.stackLogger(platform).Info("destroying stack")
	if err := platform.Destroy(ctx, adapter); err != nil {
		return errors.Join(optionalErr, err)
	}
	return optionalErr
}
