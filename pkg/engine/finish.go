package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// Event names fired at the nodes of an environment.
const (
	EventConfigure = "configure"
	EventRestore   = "restore"
	EventDeploy    = "deploy"
	EventSpec      = "spec"
)

// finish runs once every stack of env converged. It notifies the notifier and
// fires the post-convergence events. An event failure leaves the stacks
// CREATE_COMPLETE and sets the application status to ERROR.
//
// On update, newNodes scopes restore and deploy to the nodes that joined
// during the update; both are skipped when no node joined.
func (o *Orchestrator) finish(ctx context.Context, env *Environment, op OperationType, newNodes []string) error {
	logger := o.logger.WithEnvironment(env.ID)
	if status := env.Status(); status != EnvironmentStatusCreateComplete {
		return NewPermanentError(fmt.Sprintf("environment is %s after convergence", status), nil).
			WithCode(ErrCodeInternal).WithResource(env.ID)
	}

	env.ApplicationStatus = ApplicationStatusProgress
	if err := o.saveEnvironment(ctx, env); err != nil {
		return err
	}
	logger.WithField("frontend_address", env.FrontendAddress).Info("environment converged")

	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.EnvironmentReady(ctx, env); err != nil {
			logger.WithError(err).Warn("failed to notify environment readiness")
		}
	}

	if err := o.fireEvents(ctx, env, op, newNodes); err != nil {
		env.ApplicationStatus = ApplicationStatusError
		if saveErr := o.saveEnvironment(ctx, env); saveErr != nil {
			logger.WithError(saveErr).Error("failed to record application failure")
		}
		return err
	}

	env.ApplicationStatus = ApplicationStatusNotDeployed
	if len(env.Deployments) > 0 {
		env.ApplicationStatus = ApplicationStatusDeployComplete
	}
	return o.saveEnvironment(ctx, env)
}

func (o *Orchestrator) fireEvents(ctx context.Context, env *Environment, op OperationType, newNodes []string) error {
	payload, err := configurePayload(env)
	if err != nil {
		return err
	}
	if err := o.fire(ctx, env, EventConfigure, payload, nil); err != nil {
		return err
	}

	scoped := op == OperationUpdate
	if scoped && len(newNodes) == 0 {
		o.logger.WithEnvironment(env.ID).Debug("no new nodes, skipping restore and deploy")
	} else {
		if err := o.fire(ctx, env, EventRestore, map[string]interface{}{}, newNodes); err != nil {
			return err
		}
		if err := o.deploy(ctx, env, newNodes); err != nil {
			return err
		}
	}

	if op == OperationCreate {
		return o.fire(ctx, env, EventSpec, map[string]interface{}{}, nil)
	}
	return nil
}

// deploy replays the latest deployment of every application.
func (o *Orchestrator) deploy(ctx context.Context, env *Environment, nodes []string) error {
	for _, d := range env.LatestDeployments() {
		d.Status = DeploymentStatusProgress
		if err := o.deps.Repository.UpdateDeployment(ctx, d); err != nil {
			return fmt.Errorf("failed to save deployment %s: %w", d.ID, err)
		}

		err := o.fire(ctx, env, EventDeploy, deployPayload(d), nodes)
		d.Status = DeploymentStatusDeployComplete
		if err != nil {
			d.Status = DeploymentStatusError
		}
		if saveErr := o.deps.Repository.UpdateDeployment(ctx, d); saveErr != nil {
			return fmt.Errorf("failed to save deployment %s: %w", d.ID, saveErr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) fire(ctx context.Context, env *Environment, name string, payload map[string]interface{}, nodes []string) error {
	ctx, span := o.tracer.StartSpan(ctx, "event."+name,
		telemetry.AttrEventName.String(name),
		telemetry.AttrEnvironmentID.String(env.ID),
	)
	defer span.End()

	o.logger.WithEnvironment(env.ID).WithField("nodes", nodes).Infof("firing %s event", name)
	err := o.deps.EventBus.SyncFire(ctx, env.FrontendAddress, name, payload, FireOptions{
		Nodes:   nodes,
		Timeout: o.opts.EventTimeout,
	})
	o.metrics.RecordEventFired(name, telemetry.Result(err))
	if err != nil {
		telemetry.RecordError(span, err)
		if IsEventError(err) {
			return err
		}
		return NewTransientError(fmt.Sprintf("%s event failed", name), err).
			WithCode(ErrCodeEventFailed).
			WithResource(env.ID)
	}
	telemetry.RecordSuccess(span)
	return nil
}

// configurePayload builds the configure event payload: the attributes of
// every pattern and a fresh random salt.
func configurePayload(env *Environment) (map[string]interface{}, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	patterns := make(map[string]interface{}, len(env.Patterns))
	for _, p := range env.Patterns {
		patterns[p.Name] = map[string]interface{}{
			"name":            p.Name,
			"type":            string(p.Type),
			"url":             p.URL,
			"revision":        p.Revision,
			"user_attributes": env.UserAttributes[p.Name],
		}
	}
	return map[string]interface{}{
		"cloudconductor": map[string]interface{}{
			"salt":     salt,
			"patterns": patterns,
		},
	}, nil
}

func deployPayload(d *Deployment) map[string]interface{} {
	params := make(map[string]interface{}, len(d.Parameters))
	for k, v := range d.Parameters {
		params[k] = v
	}
	return map[string]interface{}{
		"cloudconductor": map[string]interface{}{
			"applications": map[string]interface{}{
				d.Application: map[string]interface{}{
					"version":    d.Version,
					"url":        d.URL,
					"revision":   d.Revision,
					"parameters": params,
				},
			},
		},
	}
}

// newSalt returns 32 random bytes as 64 hex characters.
func newSalt() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}
