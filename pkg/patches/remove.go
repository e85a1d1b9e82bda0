package patches

import (
	"fmt"
	"strings"

	"github.com/cloudconductor/conductor/pkg/template"
)

// RemoveResource deletes one resource and everything that points at it.
type RemoveResource struct {
	ID string
}

func (p *RemoveResource) Name() string { return "remove_resource(" + p.ID + ")" }

func (p *RemoveResource) Need(t *template.Template, _ *Context) bool {
	return t.HasResource(p.ID)
}

func (p *RemoveResource) Apply(t *template.Template, _ *Context) (*template.Template, error) {
	return RemoveCascade(t, p.ID), nil
}

// RemoveResourcesByType deletes every resource of a type and everything that
// points at them.
type RemoveResourcesByType struct {
	Type string
}

func (p *RemoveResourcesByType) Name() string { return "remove_resources_by_type(" + p.Type + ")" }

func (p *RemoveResourcesByType) Need(t *template.Template, _ *Context) bool {
	return len(t.ResourcesOfType(p.Type)) > 0
}

func (p *RemoveResourcesByType) Apply(t *template.Template, _ *Context) (*template.Template, error) {
	return RemoveCascade(t, t.ResourcesOfType(p.Type)...), nil
}

// RemoveCascade deletes the given resources and strips every reference to
// them: direct references and attribute lookups anywhere in other resources
// (the enclosing field or list element is dropped), depends-on entries, and
// whole outputs whose value mentions a removed resource.
func RemoveCascade(t *template.Template, ids ...string) *template.Template {
	if len(ids) == 0 {
		return t
	}
	d := t.Dialect
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		removed[id] = true
	}

	strip := func(n *template.Node) *template.Node {
		if id, ok := d.RefTarget(n); ok && removed[id] {
			return nil
		}
		return n
	}

	resources := t.Resources()
	for id := range removed {
		resources = resources.Without(id)
	}
	for _, id := range resources.Keys() {
		body := resources.Field(id)
		updated := stripDependsOn(d, body.Rewrite(strip), removed)
		if updated != body {
			resources = resources.With(id, updated)
		}
	}
	out := t.WithResources(resources)

	for _, name := range out.OutputIDs() {
		for _, ref := range out.References(out.Outputs().Field(name)) {
			if removed[ref] {
				out = out.WithoutOutput(name)
				break
			}
		}
	}
	return out
}

// stripDependsOn filters removed ids out of a resource's depends-on entry and
// drops the entry once it is empty.
func stripDependsOn(d template.Dialect, body *template.Node, removed map[string]bool) *template.Node {
	dep := body.Field(d.DependsOn)
	if dep == nil {
		return body
	}
	if s, ok := dep.Str(); ok {
		if removed[s] {
			return body.Without(d.DependsOn)
		}
		return body
	}
	if !dep.IsList() {
		return body
	}
	var kept []*template.Node
	for _, item := range dep.Items() {
		if s, ok := item.Str(); ok && removed[s] {
			continue
		}
		kept = append(kept, item)
	}
	switch {
	case len(kept) == dep.Len():
		return body
	case len(kept) == 0:
		return body.Without(d.DependsOn)
	default:
		return body.With(d.DependsOn, template.List(kept...))
	}
}

// RemoveProperty deletes a property, addressed by a path relative to the
// resource properties, from every resource of a type.
type RemoveProperty struct {
	Type string
	Path []string
}

func (p *RemoveProperty) Name() string {
	return fmt.Sprintf("remove_property(%s.%s)", p.Type, strings.Join(p.Path, "."))
}

func (p *RemoveProperty) Need(t *template.Template, _ *Context) bool {
	for _, id := range t.ResourcesOfType(p.Type) {
		if t.Properties(id).Get(p.Path...) != nil {
			return true
		}
	}
	return false
}

func (p *RemoveProperty) Apply(t *template.Template, _ *Context) (*template.Template, error) {
	if len(p.Path) == 0 {
		return nil, fmt.Errorf("property path is empty")
	}
	out := t
	path := append([]string{t.Dialect.Properties}, p.Path...)
	for _, id := range t.ResourcesOfType(p.Type) {
		body := out.Resource(id)
		updated := body.Delete(path...)
		if updated != body {
			out = out.WithResource(id, updated)
		}
	}
	return out, nil
}
