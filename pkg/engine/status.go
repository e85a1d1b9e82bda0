package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StackStatus is the local status of a stack.
type StackStatus string

const (
	// StackStatusPending indicates the stack has not been submitted yet.
	StackStatusPending StackStatus = "PENDING"

	// StackStatusReadyForCreate indicates the stack is about to be created.
	StackStatusReadyForCreate StackStatus = "READY_FOR_CREATE"

	// StackStatusReadyForUpdate indicates the stack is about to be updated.
	StackStatusReadyForUpdate StackStatus = "READY_FOR_UPDATE"

	// StackStatusProgress indicates the provider is converging the stack.
	StackStatusProgress StackStatus = "PROGRESS"

	// StackStatusCreateComplete indicates the stack converged.
	StackStatusCreateComplete StackStatus = "CREATE_COMPLETE"

	// StackStatusError indicates the stack failed.
	StackStatusError StackStatus = "ERROR"
)

// IsTerminal returns true if no further remote change is expected.
func (s StackStatus) IsTerminal() bool {
	return s == StackStatusCreateComplete || s == StackStatusError
}

// IsReady returns true if the stack is waiting to be submitted.
func (s StackStatus) IsReady() bool {
	return s == StackStatusReadyForCreate || s == StackStatusReadyForUpdate
}

// NormalizeProviderStatus maps a CloudFormation or Heat status token to the
// local status. The second result is false for DELETE_COMPLETE, which means
// the stack no longer exists.
func NormalizeProviderStatus(raw string) (StackStatus, bool) {
	switch {
	case raw == "DELETE_COMPLETE":
		return "", false
	case strings.HasPrefix(raw, "ROLLBACK_"), strings.HasSuffix(raw, "_FAILED"),
		strings.HasSuffix(raw, "ROLLBACK_COMPLETE"), strings.HasSuffix(raw, "ROLLBACK_IN_PROGRESS"),
		strings.HasSuffix(raw, "_ROLLBACK_COMPLETE_CLEANUP_IN_PROGRESS"):
		return StackStatusError, true
	case strings.HasSuffix(raw, "_IN_PROGRESS"):
		return StackStatusProgress, true
	case raw == "CREATE_COMPLETE", raw == "UPDATE_COMPLETE", raw == "RESUME_COMPLETE",
		raw == "CHECK_COMPLETE", raw == "IMPORT_COMPLETE":
		return StackStatusCreateComplete, true
	default:
		return StackStatusError, true
	}
}

// Validate checks if the stack status is valid.
func (s StackStatus) Validate() error {
	switch s {
	case StackStatusPending, StackStatusReadyForCreate, StackStatusReadyForUpdate,
		StackStatusProgress, StackStatusCreateComplete, StackStatusError:
		return nil
	default:
		return fmt.Errorf("invalid stack status: %s", s)
	}
}

// stackTransitions lists the allowed local transitions.
var stackTransitions = map[StackStatus][]StackStatus{
	StackStatusPending:        {StackStatusReadyForCreate, StackStatusError},
	StackStatusReadyForCreate: {StackStatusProgress, StackStatusError},
	StackStatusReadyForUpdate: {StackStatusProgress, StackStatusError},
	StackStatusProgress:       {StackStatusCreateComplete, StackStatusError},
	StackStatusCreateComplete: {StackStatusReadyForUpdate, StackStatusError},
	StackStatusError:          {StackStatusReadyForUpdate, StackStatusError},
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s StackStatus) CanTransitionTo(next StackStatus) bool {
	for _, allowed := range stackTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StackStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StackStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StackStatus(str)
	return s.Validate()
}

// EnvironmentStatus is derived from the statuses of an environment's stacks.
type EnvironmentStatus string

const (
	EnvironmentStatusPending        EnvironmentStatus = "PENDING"
	EnvironmentStatusProgress       EnvironmentStatus = "PROGRESS"
	EnvironmentStatusCreateComplete EnvironmentStatus = "CREATE_COMPLETE"
	EnvironmentStatusError          EnvironmentStatus = "ERROR"
)

// ApplicationStatus tracks the post-convergence event phase of an environment.
type ApplicationStatus string

const (
	ApplicationStatusNotDeployed    ApplicationStatus = "NOT_DEPLOYED"
	ApplicationStatusProgress       ApplicationStatus = "PROGRESS"
	ApplicationStatusDeployComplete ApplicationStatus = "DEPLOY_COMPLETE"
	ApplicationStatusError          ApplicationStatus = "ERROR"
)

// DeploymentStatus tracks one application deployment onto an environment.
type DeploymentStatus string

const (
	DeploymentStatusNotDeployed    DeploymentStatus = "NOT_DEPLOYED"
	DeploymentStatusProgress       DeploymentStatus = "PROGRESS"
	DeploymentStatusDeployComplete DeploymentStatus = "DEPLOY_COMPLETE"
	DeploymentStatusError          DeploymentStatus = "ERROR"
)

// Validate checks if the deployment status is valid.
func (s DeploymentStatus) Validate() error {
	switch s {
	case DeploymentStatusNotDeployed, DeploymentStatusProgress,
		DeploymentStatusDeployComplete, DeploymentStatusError:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// ImageStatus tracks a machine image build.
type ImageStatus string

const (
	ImageStatusProgress       ImageStatus = "PROGRESS"
	ImageStatusCreateComplete ImageStatus = "CREATE_COMPLETE"
	ImageStatusError          ImageStatus = "ERROR"
)

// PatternType distinguishes the single platform pattern from optional ones.
type PatternType string

const (
	// PatternTypePlatform is provisioned first and exposes the frontend address.
	PatternTypePlatform PatternType = "platform"

	// PatternTypeOptional is provisioned after the platform pattern.
	PatternTypeOptional PatternType = "optional"
)

// Validate checks if the pattern type is valid.
func (t PatternType) Validate() error {
	switch t {
	case PatternTypePlatform, PatternTypeOptional:
		return nil
	default:
		return fmt.Errorf("invalid pattern type: %s", t)
	}
}

// OperationType is the orchestrator operation being performed.
type OperationType string

const (
	// OperationCreate builds an environment from scratch.
	OperationCreate OperationType = "create"

	// OperationUpdate updates the stacks of a built environment.
	OperationUpdate OperationType = "update"

	// OperationDelete destroys the stacks of an environment.
	OperationDelete OperationType = "delete"
)

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}
