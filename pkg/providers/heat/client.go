package heat

import (
	"context"
	"fmt"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/orchestration/v1/stackevents"
	"github.com/gophercloud/gophercloud/openstack/orchestration/v1/stacks"

	"github.com/cloudconductor/conductor/pkg/engine"
)

// client implements API over the gophercloud orchestration v1 service.
// The provider client is bound to the context given at authentication.
type client struct {
	sc *gophercloud.ServiceClient
}

func dial(ctx context.Context, cloud *engine.Cloud, opts Options) (API, error) {
	authOpts := gophercloud.AuthOptions{
		IdentityEndpoint: cloud.Entrypoint,
		Username:         cloud.Key,
		Password:         cloud.Secret,
		TenantName:       cloud.TenantName,
		DomainName:       opts.DomainName,
		AllowReauth:      true,
	}

	provider, err := openstack.NewClient(authOpts.IdentityEndpoint)
	if err != nil {
		return nil, engine.NewPermanentError("invalid identity endpoint", err).
			WithCode(engine.ErrCodeConfiguration).WithResource(cloud.Name)
	}
	provider.Context = context.WithoutCancel(ctx)
	if err := openstack.Authenticate(provider, authOpts); err != nil {
		return nil, classify(err, cloud.Name, "authenticate")
	}

	sc, err := openstack.NewOrchestrationV1(provider, gophercloud.EndpointOpts{Region: cloud.Region})
	if err != nil {
		return nil, engine.NewPermanentError("orchestration service not found", err).
			WithCode(engine.ErrCodeConfiguration).WithResource(cloud.Name)
	}
	return &client{sc: sc}, nil
}

func (c *client) Create(_ context.Context, req CreateRequest) error {
	_, err := stacks.Create(c.sc, stacks.CreateOpts{
		Name:         req.Name,
		TemplateOpts: &stacks.Template{TE: stacks.TE{Bin: req.Template}},
		Parameters:   req.Parameters,
		Tags:         req.Tags,
		Timeout:      int(req.Timeout.Minutes()),
	}).Extract()
	return err
}

func (c *client) Update(_ context.Context, stack *Stack, req CreateRequest) error {
	return stacks.Update(c.sc, stack.Name, stack.ID, stacks.UpdateOpts{
		TemplateOpts: &stacks.Template{TE: stacks.TE{Bin: req.Template}},
		Parameters:   req.Parameters,
		Tags:         req.Tags,
		Timeout:      int(req.Timeout.Minutes()),
	}).ExtractErr()
}

func (c *client) Delete(_ context.Context, stack *Stack) error {
	return stacks.Delete(c.sc, stack.Name, stack.ID).ExtractErr()
}

func (c *client) Get(_ context.Context, name string) (*Stack, error) {
	s, err := stacks.Find(c.sc, name).Extract()
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]string, len(s.Outputs))
	for _, o := range s.Outputs {
		key, _ := o["output_key"].(string)
		if key == "" {
			continue
		}
		switch v := o["output_value"].(type) {
		case string:
			outputs[key] = v
		case nil:
		default:
			outputs[key] = fmt.Sprint(v)
		}
	}
	return &Stack{
		ID:           s.ID,
		Name:         s.Name,
		Status:       s.Status,
		StatusReason: s.StatusReason,
		Outputs:      outputs,
	}, nil
}

func (c *client) Events(_ context.Context, stack *Stack) ([]engine.StackEvent, error) {
	pages, err := stackevents.List(c.sc, stack.Name, stack.ID, nil).AllPages()
	if err != nil {
		return nil, err
	}
	list, err := stackevents.ExtractEvents(pages)
	if err != nil {
		return nil, err
	}
	events := make([]engine.StackEvent, 0, len(list))
	for _, e := range list {
		events = append(events, engine.StackEvent{
			Timestamp:    e.Time,
			ResourceID:   e.ResourceName,
			Status:       e.ResourceStatus,
			StatusReason: e.ResourceStatusReason,
		})
	}
	return events, nil
}
