package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// Cloud types.
const (
	CloudTypeAWS       = "aws"
	CloudTypeOpenStack = "openstack"
)

// Cloud is an account on one cloud a stack can be provisioned on.
type Cloud struct {
	// ID is the unique identifier of the cloud.
	ID string `json:"id" validate:"required"`

	// Name is the operator-facing name.
	Name string `json:"name" validate:"required"`

	// Type is the cloud type, see CloudType constants.
	Type string `json:"type" validate:"required,oneof=aws openstack"`

	// Entrypoint is the region (AWS) or identity endpoint (OpenStack).
	Entrypoint string `json:"entrypoint" validate:"required"`

	// Key and Secret are the API credentials.
	Key    string `json:"key" validate:"required"`
	Secret string `json:"-" validate:"required"`

	// TenantName is the OpenStack project name.
	TenantName string `json:"tenant_name,omitempty" validate:"required_if=Type openstack"`

	// Region is the OpenStack region or the AWS region override.
	Region string `json:"region,omitempty"`

	// AvailabilityZones used for scale-out.
	AvailabilityZones []string `json:"availability_zones,omitempty"`
}

// PatternSnapshot is a frozen copy of a blueprint pattern.
type PatternSnapshot struct {
	ID       string      `json:"id"`
	Name     string      `json:"name" validate:"required"`
	URL      string      `json:"url"`
	Revision string      `json:"revision"`
	Type     PatternType `json:"type" validate:"required,oneof=platform optional"`

	// Providers maps cloud types to provider names in the author's preference order.
	Providers map[string][]string `json:"providers"`

	// Roles are the server roles the pattern contributes.
	Roles []string `json:"roles,omitempty"`

	// Templates holds the raw template per provider name.
	Templates map[string][]byte `json:"-"`

	// InstanceCounts maps resource names to desired replica counts.
	InstanceCounts map[string]int `json:"instance_counts,omitempty"`

	// Images built for this snapshot.
	Images []Image `json:"images,omitempty"`
}

// IsPlatform reports whether the snapshot is the platform pattern.
func (p *PatternSnapshot) IsPlatform() bool {
	return p.Type == PatternTypePlatform
}

// Image is a machine image built for a pattern snapshot on one cloud.
type Image struct {
	ID                string      `json:"id"`
	PatternSnapshotID string      `json:"pattern_snapshot_id"`
	CloudID           string      `json:"cloud_id"`
	BaseImage         string      `json:"base_image"`
	Role              string      `json:"role"`
	OSVersion         string      `json:"os_version"`
	ImageID           string      `json:"image_id,omitempty"`
	Status            ImageStatus `json:"status"`
	Message           string      `json:"message,omitempty"`
}

// Candidate ranks a cloud for an environment. Smaller priorities are tried first.
type Candidate struct {
	Cloud    *Cloud `json:"cloud" validate:"required"`
	Priority int    `json:"priority"`
}

// Deployment records one application version deployed onto an environment.
type Deployment struct {
	ID          string            `json:"id"`
	Application string            `json:"application"`
	Version     string            `json:"version"`
	URL         string            `json:"url"`
	Revision    string            `json:"revision"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Status      DeploymentStatus  `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Environment is a provisioning target composed of one stack per pattern.
type Environment struct {
	ID         string `json:"id" validate:"required"`
	Name       string `json:"name" validate:"required"`
	SystemName string `json:"system_name"`

	Patterns    []*PatternSnapshot `json:"patterns" validate:"required,min=1,dive"`
	Candidates  []Candidate        `json:"candidates" validate:"required,min=1,dive"`
	Stacks      []*Stack           `json:"stacks"`
	Deployments []*Deployment      `json:"deployments,omitempty"`

	// FrontendAddress is taken from the platform stack outputs.
	FrontendAddress string `json:"frontend_address,omitempty"`

	// PlatformOutputs are the outputs of the platform stack, passed to
	// optional stacks as parameters.
	PlatformOutputs map[string]string `json:"platform_outputs,omitempty"`

	// UserAttributes are handed to the configure event, keyed by pattern name.
	UserAttributes map[string]interface{} `json:"user_attributes,omitempty"`

	// TemplateParameters are provider parameters per pattern name.
	TemplateParameters map[string]map[string]string `json:"template_parameters,omitempty"`

	ApplicationStatus ApplicationStatus `json:"application_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var validate = validator.New()

// Validate checks field constraints, candidate uniqueness and the one stack
// per pattern invariant.
func (e *Environment) Validate() error {
	if err := validate.Struct(e); err != nil {
		return NewPermanentError("invalid environment", err).
			WithCode(ErrCodeValidation).WithResource(e.ID)
	}

	clouds := make(map[string]bool, len(e.Candidates))
	for _, c := range e.Candidates {
		if clouds[c.Cloud.ID] {
			return NewPermanentError(fmt.Sprintf("cloud %s is a candidate twice", c.Cloud.ID), nil).
				WithCode(ErrCodeValidation).WithResource(e.ID)
		}
		clouds[c.Cloud.ID] = true
	}

	platforms := 0
	for _, p := range e.Patterns {
		if p.IsPlatform() {
			platforms++
		}
	}
	if platforms != 1 {
		return NewPermanentError(fmt.Sprintf("environment needs exactly one platform pattern, has %d", platforms), nil).
			WithCode(ErrCodeValidation).WithResource(e.ID)
	}

	patterns := make(map[string]bool, len(e.Stacks))
	for _, s := range e.Stacks {
		if patterns[s.Pattern.Name] {
			return NewPermanentError(fmt.Sprintf("pattern %s has more than one stack", s.Pattern.Name), nil).
				WithCode(ErrCodeValidation).WithResource(e.ID)
		}
		patterns[s.Pattern.Name] = true
	}
	return nil
}

// Status derives the environment status from its stacks.
func (e *Environment) Status() EnvironmentStatus {
	if len(e.Stacks) == 0 {
		return EnvironmentStatusPending
	}
	complete := 0
	pending := 0
	for _, s := range e.Stacks {
		switch s.Status {
		case StackStatusError:
			return EnvironmentStatusError
		case StackStatusCreateComplete:
			complete++
		case StackStatusPending:
			pending++
		}
	}
	switch {
	case complete == len(e.Stacks):
		return EnvironmentStatusCreateComplete
	case pending == len(e.Stacks):
		return EnvironmentStatusPending
	default:
		return EnvironmentStatusProgress
	}
}

// SortedCandidates returns candidates by ascending priority, keeping the
// declared order for equal priorities.
func (e *Environment) SortedCandidates() []Candidate {
	out := append([]Candidate(nil), e.Candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// OrderedStacks returns the platform stack first, then optional stacks in
// declared order.
func (e *Environment) OrderedStacks() []*Stack {
	out := make([]*Stack, 0, len(e.Stacks))
	for _, s := range e.Stacks {
		if s.Pattern.IsPlatform() {
			out = append(out, s)
		}
	}
	for _, s := range e.Stacks {
		if !s.Pattern.IsPlatform() {
			out = append(out, s)
		}
	}
	return out
}

// PlatformStack returns the stack of the platform pattern, or nil.
func (e *Environment) PlatformStack() *Stack {
	for _, s := range e.Stacks {
		if s.Pattern.IsPlatform() {
			return s
		}
	}
	return nil
}

// OptionalStacks returns the stacks of optional patterns in declared order.
func (e *Environment) OptionalStacks() []*Stack {
	var out []*Stack
	for _, s := range e.Stacks {
		if !s.Pattern.IsPlatform() {
			out = append(out, s)
		}
	}
	return out
}

// LatestDeployments returns the most recent deployment of each application,
// ordered by application name.
func (e *Environment) LatestDeployments() []*Deployment {
	latest := make(map[string]*Deployment)
	for _, d := range e.Deployments {
		if cur, ok := latest[d.Application]; !ok || d.CreatedAt.After(cur.CreatedAt) {
			latest[d.Application] = d
		}
	}
	out := make([]*Deployment, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Application < out[j].Application })
	return out
}

// DeclaredProviders returns, per cloud type, the providers every pattern of
// the environment supports, in the order of the first pattern.
func (e *Environment) DeclaredProviders() map[string][]string {
	out := make(map[string][]string)
	if len(e.Patterns) == 0 {
		return out
	}
	for cloudType, names := range e.Patterns[0].Providers {
		var common []string
		for _, name := range names {
			supported := true
			for _, p := range e.Patterns[1:] {
				if !contains(p.Providers[cloudType], name) {
					supported = false
					break
				}
			}
			if supported {
				common = append(common, name)
			}
		}
		out[cloudType] = common
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
