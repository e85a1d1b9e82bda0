// Package patches implements the transformations applied to a provider
// template before it is submitted to a cloud.
//
// Every patch is pure: it never mutates the input template and returns a new
// one. Every patch is idempotent: applying it to its own output changes
// nothing, which Need reports by returning false.
package patches

import (
	"fmt"

	"github.com/cloudconductor/conductor/pkg/template"
)

// Context carries the per-build values patches may depend on.
type Context struct {
	// CloudType is the target cloud type, e.g. "aws" or "openstack".
	CloudType string

	// Provider is the selected provider name.
	Provider string

	// EnvironmentName and SystemName identify the build.
	EnvironmentName string
	SystemName      string

	// InstanceCounts maps resource logical names to the desired replica count.
	InstanceCounts map[string]int

	// AvailabilityZones are assigned round-robin to scaled-out copies.
	AvailabilityZones []string
}

// Patch is one template transformation.
type Patch interface {
	// Name identifies the patch in logs and errors.
	Name() string

	// Need reports whether Apply would change the template.
	Need(t *template.Template, c *Context) bool

	// Apply returns the transformed template.
	Apply(t *template.Template, c *Context) (*template.Template, error)
}

// Error reports which patch of a pipeline failed.
type Error struct {
	Patch string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("patch %s failed: %v", e.Patch, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Pipeline applies patches in order.
type Pipeline struct {
	patches []Patch

	// OnApply, when set, is called after every patch that was applied.
	OnApply func(name string)
}

// NewPipeline creates a pipeline of the given patches.
func NewPipeline(patches ...Patch) *Pipeline {
	return &Pipeline{patches: patches}
}

// Patches returns the patches of the pipeline in order.
func (p *Pipeline) Patches() []Patch {
	return append([]Patch(nil), p.patches...)
}

// Apply runs each patch whose Need returns true. The first failing patch
// aborts the pipeline with an *Error.
func (p *Pipeline) Apply(t *template.Template, c *Context) (*template.Template, error) {
	if c == nil {
		c = &Context{}
	}
	current := t
	for _, patch := range p.patches {
		if !patch.Need(current, c) {
			continue
		}
		next, err := patch.Apply(current, c)
		if err != nil {
			return nil, &Error{Patch: patch.Name(), Err: err}
		}
		current = next
		if p.OnApply != nil {
			p.OnApply(patch.Name())
		}
	}
	return current, nil
}

// Provider names with a default pipeline.
const (
	ProviderCloudFormation = "cloud_formation"
	ProviderHeat           = "heat"
	ProviderTerraform      = "terraform"
)

// AWS resource types referenced by the default pipelines.
const (
	TypeInstance            = "AWS::EC2::Instance"
	TypeLaunchConfiguration = "AWS::AutoScaling::LaunchConfiguration"
	TypeNetworkInterface    = "AWS::EC2::NetworkInterface"
	TypeSubnet              = "AWS::EC2::Subnet"
	TypeLoadBalancer        = "AWS::ElasticLoadBalancing::LoadBalancer"
	TypeInstanceProfile     = "AWS::IAM::InstanceProfile"
	TypeIAMUser             = "AWS::IAM::User"
	TypeAccessKey           = "AWS::IAM::AccessKey"
)

// CredentialsID is the logical name of the injected access key resource.
const CredentialsID = "CloudConductorAccessKey"

// ForProvider returns the default pipeline of a provider. Providers that do
// not consume JSON templates get an empty pipeline.
func ForProvider(provider string) *Pipeline {
	switch provider {
	case ProviderCloudFormation:
		return NewPipeline(
			DefaultCredentials(),
			DefaultNetworkInterfaces(),
			&ScaleOut{},
		)
	case ProviderHeat:
		return NewPipeline(
			&RemoveProperty{Type: TypeInstance, Path: []string{"IamInstanceProfile"}},
			&RemoveResourcesByType{Type: TypeInstanceProfile},
			&RewriteAttribute{Type: TypeNetworkInterface, From: "PrimaryPrivateIpAddress", To: "PrivateIpAddress"},
			DefaultNetworkInterfaces(),
			&ReduceSubnets{LoadBalancerType: TypeLoadBalancer, SubnetType: TypeSubnet},
			&ScaleOut{},
		)
	default:
		return NewPipeline()
	}
}
