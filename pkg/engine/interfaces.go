package engine

import (
	"context"
	"time"
)

// Adapter is the uniform interface over one provider on one cloud type.
// Implementations must not retry internally; retry and fallback policy lives
// in the orchestrator. Calls on a stack that does not exist return an error
// with code ErrCodeStackNotFound.
type Adapter interface {
	// Create submits a new stack.
	Create(ctx context.Context, name string, template []byte, params map[string]string, opts StackOptions) error

	// Update submits a new template for an existing stack.
	Update(ctx context.Context, name string, template []byte, params map[string]string, opts StackOptions) error

	// Destroy requests deletion of a stack. It does not wait for completion.
	Destroy(ctx context.Context, name string, opts StackOptions) error

	// Status returns the provider status of a stack.
	Status(ctx context.Context, name string, opts StackOptions) (RemoteStatus, error)

	// Outputs returns the outputs of a converged stack.
	Outputs(ctx context.Context, name string, opts StackOptions) (map[string]string, error)

	// Events returns the stack events, newest first.
	Events(ctx context.Context, name string, opts StackOptions) ([]StackEvent, error)
}

// StackOptions carries per-call context for an adapter.
type StackOptions struct {
	// Cloud is the target cloud.
	Cloud *Cloud

	// Tags are attached to the stack where the provider supports it.
	Tags map[string]string
}

// RemoteStatus is a provider status token together with its local meaning.
type RemoteStatus struct {
	// Raw is the provider's own status string, e.g. "CREATE_IN_PROGRESS".
	Raw string `json:"raw"`

	// Status is the normalised local status.
	Status StackStatus `json:"status"`
}

// StackEvent is one entry of a provider's stack event history.
type StackEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	ResourceID   string    `json:"resource_id"`
	ResourceType string    `json:"resource_type"`
	Status       string    `json:"status"`
	StatusReason string    `json:"status_reason"`
}

// AdapterProvider builds adapters for a provider name and cloud.
type AdapterProvider interface {
	Adapter(provider string, cloud *Cloud) (Adapter, error)
}

// Repository persists environments and their stacks. It is a passive record
// store: saving never triggers provisioning side effects.
type Repository interface {
	// LoadEnvironment loads an environment with candidates, patterns, stacks
	// and deployments.
	LoadEnvironment(ctx context.Context, id string) (*Environment, error)

	// SaveEnvironment persists environment-level fields.
	SaveEnvironment(ctx context.Context, env *Environment) error

	// CreateStack inserts a stack record.
	CreateStack(ctx context.Context, stack *Stack) error

	// UpdateStack persists the mutable fields of a stack record.
	UpdateStack(ctx context.Context, stack *Stack) error

	// DeleteStack removes a stack record.
	DeleteStack(ctx context.Context, id string) error

	// UpdateDeployment persists a deployment status change.
	UpdateDeployment(ctx context.Context, d *Deployment) error
}

// FireOptions scopes an event fire.
type FireOptions struct {
	// Nodes restricts the event to these node names. Empty means all nodes.
	Nodes []string

	// Timeout bounds the wait for node results. Zero uses the bus default.
	Timeout time.Duration
}

// EventBus fires named events at the nodes of an environment and waits for
// their results.
type EventBus interface {
	SyncFire(ctx context.Context, host, name string, payload map[string]interface{}, opts FireOptions) error
}

// Discovery answers service discovery queries against an environment.
type Discovery interface {
	// IsRunning reports whether the service discovery endpoint at host answers.
	IsRunning(ctx context.Context, host string) (bool, error)

	// ListNodes returns the names of the nodes registered at host.
	ListNodes(ctx context.Context, host string) ([]string, error)
}

// Notifier is told about environments that reached CREATE_COMPLETE, e.g. to
// update DNS records or register monitoring. Errors are logged, not returned
// to the caller of the build.
type Notifier interface {
	EnvironmentReady(ctx context.Context, env *Environment) error
}
