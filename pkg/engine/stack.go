package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stack is one provider template instance bound to one cloud.
//
// The status field is local. Remote status is only consulted while the stack
// is PROGRESS; every other state answers from the local value.
type Stack struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	EnvironmentID string           `json:"environment_id"`
	Pattern       *PatternSnapshot `json:"pattern"`
	Cloud         *Cloud           `json:"cloud"`

	// Provider is the provider the stack was last submitted with.
	Provider string `json:"provider,omitempty"`

	Status StackStatus `json:"status"`

	// Template is the rendered template last submitted.
	Template []byte `json:"-"`

	Parameters map[string]string `json:"parameters,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var stackNameInvalid = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// StackName derives the provider-side stack name. Provider names accept
// letters, digits and dashes only and must start with a letter.
func StackName(systemName, environmentName, patternName string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{systemName, environmentName, patternName} {
		if p = strings.Trim(stackNameInvalid.ReplaceAllString(p, "-"), "-"); p != "" {
			parts = append(parts, p)
		}
	}
	name := strings.Join(parts, "-")
	if name == "" || !(name[0] >= 'a' && name[0] <= 'z' || name[0] >= 'A' && name[0] <= 'Z') {
		name = "s-" + name
	}
	return name
}

// NewStack creates a PENDING stack for a pattern of env on cloud.
func NewStack(env *Environment, pattern *PatternSnapshot, cloud *Cloud) *Stack {
	now := time.Now()
	return &Stack{
		ID:            uuid.New().String(),
		Name:          StackName(env.SystemName, env.Name, pattern.Name),
		EnvironmentID: env.ID,
		Pattern:       pattern,
		Cloud:         cloud,
		Status:        StackStatusPending,
		Parameters:    make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the stack to next if the state machine allows it.
func (s *Stack) Transition(next StackStatus) error {
	if s.Status == next && next != StackStatusReadyForCreate && next != StackStatusReadyForUpdate {
		return nil
	}
	if !s.Status.CanTransitionTo(next) {
		return NewPermanentError(fmt.Sprintf("stack cannot move from %s to %s", s.Status, next), nil).
			WithCode(ErrCodeInvalidTransition).WithResource(s.Name)
	}
	s.Status = next
	s.UpdatedAt = time.Now()
	return nil
}

// Options returns the adapter options for this stack.
func (s *Stack) Options() StackOptions {
	return StackOptions{
		Cloud: s.Cloud,
		Tags: map[string]string{
			"cloudconductor:environment": s.EnvironmentID,
			"cloudconductor:pattern":     s.Pattern.Name,
		},
	}
}

// Submit sends a READY_FOR_CREATE or READY_FOR_UPDATE stack to the adapter.
// The stack moves to PROGRESS when the adapter accepts the request and to
// ERROR when it rejects it.
func (s *Stack) Submit(ctx context.Context, adapter Adapter) error {
	var err error
	switch s.Status {
	case StackStatusReadyForCreate:
		err = adapter.Create(ctx, s.Name, s.Template, s.Parameters, s.Options())
	case StackStatusReadyForUpdate:
		err = adapter.Update(ctx, s.Name, s.Template, s.Parameters, s.Options())
	default:
		return NewPermanentError(fmt.Sprintf("stack in %s cannot be submitted", s.Status), nil).
			WithCode(ErrCodeInvalidTransition).WithResource(s.Name)
	}
	if err != nil {
		s.Status = StackStatusError
		s.UpdatedAt = time.Now()
		return fmt.Errorf("failed to submit stack %s: %w", s.Name, err)
	}
	return s.Transition(StackStatusProgress)
}

// Submitted reports whether the stack was rendered for a provider. Records
// from NewStack or Reset were not.
func (s *Stack) Submitted() bool {
	return s.Provider != ""
}

// LiveStatus returns the stack status, asking the adapter only while the
// stack is PROGRESS.
func (s *Stack) LiveStatus(ctx context.Context, adapter Adapter) (StackStatus, error) {
	if s.Status != StackStatusProgress {
		return s.Status, nil
	}
	remote, err := adapter.Status(ctx, s.Name, s.Options())
	if err != nil {
		return s.Status, err
	}
	return remote.Status, nil
}

// Destroy asks the adapter to delete the remote stack. PENDING stacks were
// never submitted and are skipped. A stack already gone is not an error.
func (s *Stack) Destroy(ctx context.Context, adapter Adapter) error {
	if s.Status == StackStatusPending {
		return nil
	}
	if err := adapter.Destroy(ctx, s.Name, s.Options()); err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to destroy stack %s: %w", s.Name, err)
	}
	return nil
}

// Reset returns a fresh PENDING stack for the same pattern bound to cloud,
// with a new id.
func (s *Stack) Reset(cloud *Cloud) *Stack {
	now := time.Now()
	return &Stack{
		ID:            uuid.New().String(),
		Name:          s.Name,
		EnvironmentID: s.EnvironmentID,
		Pattern:       s.Pattern,
		Cloud:         cloud,
		Status:        StackStatusPending,
		Parameters:    make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
