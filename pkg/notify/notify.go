// Package notify tells outside systems about environments that finished
// provisioning.
package notify

import (
	"context"
	"errors"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// Registrar registers an environment's frontend with a monitoring system.
type Registrar interface {
	Register(ctx context.Context, env *engine.Environment) error
}

// RegistrarFunc adapts a function to Registrar.
type RegistrarFunc func(ctx context.Context, env *engine.Environment) error

// Register calls f.
func (f RegistrarFunc) Register(ctx context.Context, env *engine.Environment) error {
	return f(ctx, env)
}

// Multi notifies every wrapped notifier and joins their errors. One failing
// notifier does not stop the others.
type Multi struct {
	notifiers []engine.Notifier
	logger    *telemetry.Logger
}

// NewMulti creates a fan-out notifier. Nil notifiers are skipped.
func NewMulti(logger *telemetry.Logger, notifiers ...engine.Notifier) *Multi {
	if logger == nil {
		logger = telemetry.Nop()
	}
	m := &Multi{logger: logger.NewComponentLogger("notify")}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// EnvironmentReady implements engine.Notifier.
func (m *Multi) EnvironmentReady(ctx context.Context, env *engine.Environment) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.EnvironmentReady(ctx, env); err != nil {
			m.logger.WithEnvironment(env.ID).WithError(err).Warn("notifier failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Monitoring adapts a Registrar to engine.Notifier.
type Monitoring struct {
	registrar Registrar
}

// NewMonitoring creates a notifier registering environments with r.
func NewMonitoring(r Registrar) *Monitoring {
	return &Monitoring{registrar: r}
}

// EnvironmentReady implements engine.Notifier. Environments without a
// frontend address are skipped.
func (m *Monitoring) EnvironmentReady(ctx context.Context, env *engine.Environment) error {
	if env.FrontendAddress == "" {
		return nil
	}
	if err := m.registrar.Register(ctx, env); err != nil {
		return engine.NewTransientError("failed to register environment with monitoring", err).
			WithCode(engine.ErrCodeDependencyFailed).WithResource(env.ID)
	}
	return nil
}

var (
	_ engine.Notifier = (*Multi)(nil)
	_ engine.Notifier = (*Monitoring)(nil)
)
