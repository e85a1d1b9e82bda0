package patches

import (
	"fmt"
	"strconv"

	"github.com/cloudconductor/conductor/pkg/template"
)

// ExtractNetworkInterfaces moves inline network interface blocks of compute
// resources into standalone interface resources and replaces each block by a
// reference to the new resource.
type ExtractNetworkInterfaces struct {
	ComputeType   string
	InterfaceType string

	// Property is the list property holding the inline blocks.
	Property string

	// IDKey marks a block that already references an external interface.
	IDKey string

	// KeepKeys stay on the compute resource next to the reference.
	KeepKeys []string

	// DropKeys are valid only inline and are discarded on extraction.
	DropKeys []string
}

// DefaultNetworkInterfaces returns the extraction for EC2 instances.
func DefaultNetworkInterfaces() *ExtractNetworkInterfaces {
	return &ExtractNetworkInterfaces{
		ComputeType:   TypeInstance,
		InterfaceType: TypeNetworkInterface,
		Property:      "NetworkInterfaces",
		IDKey:         "NetworkInterfaceId",
		KeepKeys:      []string{"DeviceIndex", "DeleteOnTermination"},
		DropKeys:      []string{"AssociatePublicIpAddress"},
	}
}

func (p *ExtractNetworkInterfaces) Name() string {
	return "extract_network_interfaces(" + p.ComputeType + ")"
}

func (p *ExtractNetworkInterfaces) inline(block *template.Node) bool {
	return block.IsMap() && !block.Has(p.IDKey)
}

func (p *ExtractNetworkInterfaces) Need(t *template.Template, _ *Context) bool {
	for _, id := range t.ResourcesOfType(p.ComputeType) {
		for _, block := range t.Properties(id).Field(p.Property).Items() {
			if p.inline(block) {
				return true
			}
		}
	}
	return false
}

// InterfaceID returns the logical name of the i-th extracted interface of a
// compute resource.
func InterfaceID(computeID string, i int) string {
	return computeID + "NetworkInterface" + strconv.Itoa(i)
}

func (p *ExtractNetworkInterfaces) Apply(t *template.Template, _ *Context) (*template.Template, error) {
	d := t.Dialect
	out := t

	for _, id := range t.ResourcesOfType(p.ComputeType) {
		blocks := out.Properties(id).Field(p.Property)
		if !blocks.IsList() {
			continue
		}
		items := blocks.Items()
		changed := false
		for i, block := range items {
			if !p.inline(block) {
				continue
			}
			nicID := InterfaceID(id, i)
			if out.HasResource(nicID) {
				return nil, fmt.Errorf("resource %s: cannot extract interface %d, id %s is already taken", id, i, nicID)
			}

			props := block
			reference := template.Map(map[string]*template.Node{p.IDKey: d.NewRef(nicID)})
			for _, key := range p.KeepKeys {
				if v := block.Field(key); v != nil {
					reference = reference.With(key, v)
					props = props.Without(key)
				}
			}
			for _, key := range p.DropKeys {
				props = props.Without(key)
			}

			out = out.WithResource(nicID, template.Map(map[string]*template.Node{
				d.Type:       template.String(p.InterfaceType),
				d.Properties: props,
			}))
			items[i] = reference
			changed = true
		}
		if !changed {
			continue
		}
		body, err := out.Resource(id).Set([]string{d.Properties, p.Property}, template.List(items...))
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", id, err)
		}
		out = out.WithResource(id, body)
	}
	return out, nil
}
