package patches

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cloudconductor/conductor/pkg/template"
)

// ScaleOut duplicates resources according to Context.InstanceCounts.
//
// Scaling resource X duplicates X and its owned resources: every resource
// that references a group member outside of a list, or depends on one
// explicitly. Resources that only list a group member among others, such as
// a load balancer's instance list, are aggregators: the list entry is
// expanded to all copies instead. Copy k (zero based) keeps the original id
// for k = 0 and is named id + (k+1) otherwise; references inside a copy point
// at sibling copies of the same index. Outputs that reduce to one reference
// to a group member become a comma joined list over all copies.
//
// Copies record their origin under Metadata.cloudconductor.scaled_from. A
// resource already holding a copy id without that mark is a collision and
// fails the patch.
type ScaleOut struct{}

func (p *ScaleOut) Name() string { return "scale_out" }

// CopyID returns the logical name of the k-th copy of id.
func CopyID(id string, k int) string {
	if k == 0 {
		return id
	}
	return id + strconv.Itoa(k+1)
}

// ScaledFrom returns the resource a copy was made from, if rid is a copy.
func ScaledFrom(t *template.Template, rid string) (string, bool) {
	return t.Resource(rid).Get(scaledFromPath(t.Dialect)...).Str()
}

func scaledFromPath(d template.Dialect) []string {
	return []string{d.Metadata, "cloudconductor", "scaled_from"}
}

func isCopyOf(t *template.Template, rid, member string) bool {
	from, ok := ScaledFrom(t, rid)
	return ok && from == member
}

func (p *ScaleOut) pending(t *template.Template, c *Context) []string {
	var ids []string
	for id, count := range c.InstanceCounts {
		if count > 1 && t.HasResource(id) && !isCopyOf(t, CopyID(id, 1), id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (p *ScaleOut) Need(t *template.Template, c *Context) bool {
	return len(p.pending(t, c)) > 0
}

func (p *ScaleOut) Apply(t *template.Template, c *Context) (*template.Template, error) {
	out := t
	for _, id := range p.pending(t, c) {
		scaled, err := scale(out, id, c.InstanceCounts[id], c.AvailabilityZones)
		if err != nil {
			return nil, err
		}
		out = scaled
	}
	return out, nil
}

// ownedRefs collects the ids referenced by n outside of list elements.
func ownedRefs(d template.Dialect, n *template.Node, inList bool, out map[string]bool) {
	if id, ok := d.RefTarget(n); ok {
		if !inList {
			out[id] = true
		}
		return
	}
	switch {
	case n.IsList():
		for _, item := range n.Items() {
			ownedRefs(d, item, true, out)
		}
	case n.IsMap():
		for _, key := range n.Keys() {
			ownedRefs(d, n.Field(key), false, out)
		}
	}
}

// scaleGroup returns X and every resource owned by it, directly or indirectly.
func scaleGroup(t *template.Template, id string) map[string]bool {
	d := t.Dialect
	owners := make(map[string]map[string]bool)
	for _, rid := range t.ResourceIDs() {
		refs := make(map[string]bool)
		ownedRefs(d, t.Resource(rid).Without(d.DependsOn), false, refs)
		for _, dep := range t.DependsOn(rid) {
			refs[dep] = true
		}
		owners[rid] = refs
	}

	group := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, rid := range t.ResourceIDs() {
			if group[rid] {
				continue
			}
			for ref := range owners[rid] {
				if group[ref] {
					group[rid] = true
					changed = true
					break
				}
			}
		}
	}
	return group
}

func scale(t *template.Template, id string, count int, zones []string) (*template.Template, error) {
	d := t.Dialect
	group := scaleGroup(t, id)

	retarget := func(k int) func(*template.Node) *template.Node {
		return func(n *template.Node) *template.Node {
			if target, ok := d.RefTarget(n); ok && group[target] {
				return d.Retarget(n, CopyID(target, k))
			}
			return n
		}
	}

	members := make([]string, 0, len(group))
	for member := range group {
		members = append(members, member)
	}
	sort.Strings(members)

	for _, member := range members {
		for k := 1; k < count; k++ {
			cid := CopyID(member, k)
			if t.HasResource(cid) && !isCopyOf(t, cid, member) {
				return nil, fmt.Errorf("resource %s: cannot create copy %d, id %s is already taken", member, k+1, cid)
			}
		}
	}

	resources := t.Resources()
	for _, member := range members {
		original := t.Resource(member)
		hasZone := original.Get(d.Properties, d.AvailabilityZone) != nil
		for k := 0; k < count; k++ {
			body := original
			if k > 0 {
				body = renameDependsOn(d, body.Rewrite(retarget(k)), group, k)
				marked, err := body.Set(scaledFromPath(d), template.String(member))
				if err != nil {
					return nil, fmt.Errorf("resource %s: %w", member, err)
				}
				body = marked
			}
			if len(zones) > 0 && (member == id || hasZone) {
				if updated, err := body.Set([]string{d.Properties, d.AvailabilityZone}, template.String(zones[k%len(zones)])); err == nil {
					body = updated
				}
			}
			resources = resources.With(CopyID(member, k), body)
		}
	}

	for _, rid := range resources.Keys() {
		if isCopy(rid, group, count) {
			continue
		}
		body := resources.Field(rid)
		if updated := expandRefs(d, body, group, count); updated != body {
			resources = resources.With(rid, updated)
		}
	}
	out := t.WithResources(resources)

	for _, name := range out.OutputIDs() {
		output := out.Outputs().Field(name)
		value := output.Field(d.OutputValue)
		target, ok := d.RefTarget(value)
		if !ok || !group[target] {
			continue
		}
		values := make([]*template.Node, 0, count)
		for k := 0; k < count; k++ {
			values = append(values, d.Retarget(value, CopyID(target, k)))
		}
		out = out.WithOutput(name, output.With(d.OutputValue, d.NewJoin(",", values...)))
	}
	return out, nil
}

// expandRefs replaces list entries referencing a group member by references
// to all copies. Join arguments are left alone: they concatenate their items,
// so they keep pointing at the first copy.
func expandRefs(d template.Dialect, n *template.Node, group map[string]bool, count int) *template.Node {
	switch {
	case n.IsMap():
		if n.Has(d.Join) {
			return n
		}
		if _, ok := d.RefTarget(n); ok {
			return n
		}
		out := n
		for _, key := range n.Keys() {
			child := n.Field(key)
			if updated := expandRefs(d, child, group, count); updated != child {
				out = out.With(key, updated)
			}
		}
		return out
	case n.IsList():
		var items []*template.Node
		changed := false
		for _, item := range n.Items() {
			target, ok := d.RefTarget(item)
			if !ok || !group[target] {
				updated := expandRefs(d, item, group, count)
				changed = changed || updated != item
				items = append(items, updated)
				continue
			}
			changed = true
			for k := 0; k < count; k++ {
				items = appendUnique(items, d.Retarget(item, CopyID(target, k)))
			}
		}
		if !changed {
			return n
		}
		return template.List(items...)
	}
	return n
}

func isCopy(rid string, group map[string]bool, count int) bool {
	for member := range group {
		for k := 0; k < count; k++ {
			if CopyID(member, k) == rid {
				return true
			}
		}
	}
	return false
}

func renameDependsOn(d template.Dialect, body *template.Node, group map[string]bool, k int) *template.Node {
	dep := body.Field(d.DependsOn)
	if s, ok := dep.Str(); ok {
		if group[s] {
			return body.With(d.DependsOn, template.String(CopyID(s, k)))
		}
		return body
	}
	if !dep.IsList() {
		return body
	}
	items := dep.Items()
	for i, item := range items {
		if s, ok := item.Str(); ok && group[s] {
			items[i] = template.String(CopyID(s, k))
		}
	}
	return body.With(d.DependsOn, template.List(items...))
}

func appendUnique(items []*template.Node, item *template.Node) []*template.Node {
	for _, existing := range items {
		if existing.Equal(item) {
			return items
		}
	}
	return append(items, item)
}
