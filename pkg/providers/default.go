package providers

import (
	"context"
	"time"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/providers/cloudformation"
	"github.com/cloudconductor/conductor/pkg/providers/heat"
	"github.com/cloudconductor/conductor/pkg/providers/terraform"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

// Options configures the built-in adapters.
type Options struct {
	// AWSProfile is the shared config profile for clouds without keys.
	AWSProfile string

	// OpenStackDomain is the identity v3 domain of OpenStack clouds.
	OpenStackDomain string

	// StackTimeout is handed to providers that enforce their own timeout.
	StackTimeout time.Duration

	// TerraformBinary and TerraformWorkDir configure the terraform adapter.
	TerraformBinary  string
	TerraformWorkDir string

	Logger *telemetry.Logger
}

// NewDefaultRegistry returns a registry holding the built-in providers:
// cloud_formation on aws, heat on openstack and terraform on both.
func NewDefaultRegistry(opts Options, regOpts ...RegistryOption) *Registry {
	r := NewRegistry(regOpts...)

	mustRegister(r, CloudFormation, engine.CloudTypeAWS, func(ctx context.Context, cloud *engine.Cloud) (engine.Adapter, error) {
		return cloudformation.New(ctx, cloud, cloudformation.Options{Profile: opts.AWSProfile})
	})
	mustRegister(r, Heat, engine.CloudTypeOpenStack, func(ctx context.Context, cloud *engine.Cloud) (engine.Adapter, error) {
		return heat.New(ctx, cloud, heat.Options{DomainName: opts.OpenStackDomain, StackTimeout: opts.StackTimeout})
	})

	tf := func(_ context.Context, cloud *engine.Cloud) (engine.Adapter, error) {
		return terraform.New(cloud, terraform.Options{
			WorkDir: opts.TerraformWorkDir,
			Runner:  terraform.ExecRunner{Binary: opts.TerraformBinary},
			Logger:  opts.Logger,
		})
	}
	mustRegister(r, Terraform, engine.CloudTypeAWS, tf)
	mustRegister(r, Terraform, engine.CloudTypeOpenStack, tf)
	return r
}

func mustRegister(r *Registry, provider, cloudType string, f Factory) {
	if err := r.Register(provider, cloudType, f); err != nil {
		panic(err)
	}
}
