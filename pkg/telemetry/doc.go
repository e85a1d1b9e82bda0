// Package telemetry provides logging, tracing and metrics for conductor.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry and metrics are
// exported in the Prometheus format from a private registry.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("builder")
//	logger.WithEnvironment(env.ID).WithStack(stack.Name).Info("stack submitted")
//
// # Tracing
//
//	ctx, span := tel.Tracer.StartOperationSpan(ctx, "build", env.ID)
//	defer span.End()
//
// Supported exporters are "otlp", "stdout" and "none".
//
// # Metrics
//
// Every Record method is safe on a nil *Metrics and on a Metrics created with
// metrics disabled. Exposed metrics, prefixed by the configured namespace:
//
//   - operations_started_total{operation}
//   - operations_completed_total{operation,result}
//   - operation_duration_seconds{operation,result}
//   - active_operations
//   - candidate_fallbacks_total{cloud_type}
//   - stack_transitions_total{status}
//   - stack_wait_seconds{provider,result}
//   - provider_calls_total{provider,operation}
//   - provider_call_duration_seconds{provider,operation}
//   - provider_errors_total{provider,operation}
//   - template_patches_applied_total{provider,patch}
//   - events_fired_total{event,result}
//   - errors_by_class_total{class}
//   - errors_by_code_total{code}
//
// # Operations
//
//	ic := telemetry.StartOperation(tel.WithContext(ctx), "environment.build",
//	    telemetry.AttrEnvironmentID.String(env.ID))
//	err := orchestrator.Build(ic.Ctx, env)
//	ic.End(err)
package telemetry
