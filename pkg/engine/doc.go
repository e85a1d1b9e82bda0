// Package engine provides the domain model and the build orchestrator of conductor.
//
// # Overview
//
// An Environment is built from a set of frozen pattern snapshots onto one of
// its ranked candidate clouds. Every pattern becomes one Stack, a template
// instance submitted through a provider Adapter. The single platform pattern
// is provisioned first; its outputs, notably the frontend address, feed the
// optional patterns provisioned after it.
//
// # Core Domain Types
//
//   - Environment: the provisioning target, with candidates, patterns and stacks
//   - Candidate: a cloud ranked by priority, smaller first
//   - PatternSnapshot: a frozen pattern with its per-provider templates
//   - Stack: one template instance on one cloud, with a local state machine
//   - Deployment: an application version deployed onto an environment
//
// # Stack State Machine
//
//	PENDING -> READY_FOR_CREATE -> PROGRESS -> CREATE_COMPLETE | ERROR
//	CREATE_COMPLETE | ERROR -> READY_FOR_UPDATE -> PROGRESS -> ...
//
// Entering READY_FOR_CREATE or READY_FOR_UPDATE is followed by Submit, which
// calls the adapter and moves the stack to PROGRESS, or to ERROR when the
// provider rejects the request. Only PROGRESS stacks ask the adapter for their
// status; every other state answers locally.
//
// # Provider Selection
//
// The Selector walks the operator's provider priority list and picks the
// first provider every pattern of the environment declares for the cloud's
// type.
//
// # Orchestrator
//
// The Orchestrator runs builds, updates and destroys:
//
//	orch, err := engine.NewOrchestrator(engine.Dependencies{
//	    Repository: store,
//	    Adapters:   registry,
//	    Selector:   engine.NewSelector(cfg.Providers.Priority),
//	    EventBus:   bus,
//	    Discovery:  disco,
//	}, engine.DefaultOptions())
//
//	task, err := orch.Start(ctx, env, engine.OperationCreate)
//	...
//	err = task.Wait(ctx)
//
// A build tries the candidates in priority order. A failed candidate is torn
// down and its stacks are reset to fresh PENDING records before the next one
// is tried. Configuration and template errors stop the build at once since
// they fail identically everywhere. When no candidate succeeds every stack
// ends ERROR and the last error is returned.
//
// After convergence the configure, restore, deploy and spec events are fired
// over the event bus. Event failures set the application status to ERROR and
// leave the infrastructure CREATE_COMPLETE.
//
// An update stays on the cloud the environment was built on and scopes the
// restore and deploy events to the nodes that joined during the update.
//
// Destroying tears down optional stacks in parallel, waits for them to
// disappear, then destroys the platform stack.
//
// # Error Classification
//
// Errors are classified as transient, throttled, conflict or permanent (see
// EngineError) and carry a code such as STACK_FAILED, PATCH_FAILED or
// PROVIDER_UNSUPPORTED.
package engine
