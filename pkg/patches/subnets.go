package patches

import (
	"fmt"

	"github.com/cloudconductor/conductor/pkg/template"
)

// ReduceSubnets collapses a template with a load balancer and several subnets
// down to one subnet. The first subnet in id order is kept; the others are
// removed together with the resources depending on them. Load balancers
// survive and only lose their references to the removed subnets.
type ReduceSubnets struct {
	LoadBalancerType string
	SubnetType       string
}

func (p *ReduceSubnets) Name() string { return "reduce_subnets(" + p.SubnetType + ")" }

func (p *ReduceSubnets) Need(t *template.Template, _ *Context) bool {
	return len(t.ResourcesOfType(p.LoadBalancerType)) > 0 && len(t.ResourcesOfType(p.SubnetType)) > 1
}

func (p *ReduceSubnets) Apply(t *template.Template, _ *Context) (*template.Template, error) {
	subnets := t.ResourcesOfType(p.SubnetType)
	if len(subnets) < 2 {
		return t, nil
	}
	g, err := template.BuildGraph(t)
	if err != nil {
		return nil, fmt.Errorf("failed to analyse dependencies: %w", err)
	}

	keep := subnets[0]
	remove := make(map[string]bool)
	queue := append([]string(nil), subnets[1:]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if remove[id] || id == keep || t.ResourceType(id) == p.LoadBalancerType {
			continue
		}
		remove[id] = true
		queue = append(queue, g.Dependents(id)...)
	}

	ids := make([]string, 0, len(remove))
	for id := range remove {
		ids = append(ids, id)
	}
	return RemoveCascade(t, ids...), nil
}
