package engine

import (
	"context"
	"fmt"
	"sort"
)

// update submits the current templates of env to the cloud its platform
// stack was built on. There is no candidate fallback: the stacks already live
// on that cloud. Patterns added since the build get new stacks, which are
// created rather than updated.
func (o *Orchestrator) update(ctx context.Context, env *Environment) error {
	if err := env.Validate(); err != nil {
		return err
	}
	platform := env.PlatformStack()
	if platform == nil || platform.Status == StackStatusPending || !platform.Submitted() || platform.Cloud == nil {
		return NewPermanentError("environment has not been built", nil).
			WithCode(ErrCodeValidation).
			WithResource(env.ID).
			WithOperation(string(OperationUpdate))
	}
	cloud := platform.Cloud

	nodesBefore, err := o.deps.Discovery.ListNodes(ctx, env.FrontendAddress)
	if err != nil {
		return fmt.Errorf("failed to list nodes before update: %w", err)
	}

	if err := o.ensureStacks(ctx, env, cloud); err != nil {
		return err
	}
	provider, err := o.deps.Selector.Select(cloud, env)
	if err != nil {
		return err
	}
	adapter, err := o.adapter(provider, cloud)
	if err != nil {
		return err
	}

	stacks := env.OrderedStacks()
	if err := o.render(env, stacks, cloud, provider); err != nil {
		return err
	}
	for _, s := range stacks {
		ready := StackStatusReadyForUpdate
		if s.Status == StackStatusPending {
			ready = StackStatusReadyForCreate
		}
		if err := o.provision(ctx, env, s, adapter, ready); err != nil {
			return err
		}
	}

	nodesAfter, err := o.deps.Discovery.ListNodes(ctx, env.FrontendAddress)
	if err != nil {
		return fmt.Errorf("failed to list nodes after update: %w", err)
	}
	newNodes := nodeDelta(nodesBefore, nodesAfter)
	o.logger.WithEnvironment(env.ID).WithField("new_nodes", newNodes).Info("stacks updated")

	return o.finish(ctx, env, OperationUpdate, newNodes)
}

// nodeDelta returns the nodes of after that are not in before, sorted.
func nodeDelta(before, after []string) []string {
	known := make(map[string]bool, len(before))
	for _, n := range before {
		known[n] = true
	}
	var out []string
	for _, n := range after {
		if !known[n] {
			known[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
