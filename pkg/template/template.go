package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template is a parsed provider template bound to its dialect.
// Like Node it is immutable; the With* helpers return new templates.
type Template struct {
	Dialect Dialect
	Root    *Node
}

// New wraps a tree in a template of the given dialect.
func New(d Dialect, root *Node) *Template {
	if root == nil || root.Kind() != KindMap {
		root = Map(nil)
	}
	return &Template{Dialect: d, Root: root}
}

// Parse decodes a JSON or YAML document and detects its dialect.
func Parse(data []byte) (*Template, error) {
	root, err := decode(data)
	if err != nil {
		return nil, err
	}
	if root.Kind() != KindMap {
		return nil, fmt.Errorf("template root must be a mapping, got %s", root.Kind())
	}
	return New(DetectDialect(root), root), nil
}

// ParseAs decodes a document and binds it to a known dialect.
func ParseAs(d Dialect, data []byte) (*Template, error) {
	t, err := Parse(data)
	if err != nil {
		return nil, err
	}
	t.Dialect = d
	return t, nil
}

func decode(data []byte) (*Node, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty template document")
	}
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err == nil {
			return FromValue(v), nil
		}
	}
	var v interface{}
	if err := yaml.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("failed to decode template: %w", err)
	}
	return FromValue(v), nil
}

// ParameterNames returns the declared template parameters, sorted.
func (t *Template) ParameterNames() []string {
	return t.Root.Field(t.Dialect.Parameters).Keys()
}

// Resources returns the resources mapping, or an empty map when absent.
func (t *Template) Resources() *Node {
	if r := t.Root.Field(t.Dialect.Resources); r.IsMap() {
		return r
	}
	return Map(nil)
}

// ResourceIDs returns all resource ids in sorted order.
func (t *Template) ResourceIDs() []string {
	return t.Resources().Keys()
}

// Resource returns the resource declared under id, or nil.
func (t *Template) Resource(id string) *Node {
	return t.Resources().Field(id)
}

// HasResource reports whether id is a declared resource.
func (t *Template) HasResource(id string) bool {
	return t.Resource(id) != nil
}

// ResourceType returns the declared type of resource id.
func (t *Template) ResourceType(id string) string {
	s, _ := t.Resource(id).Field(t.Dialect.Type).Str()
	return s
}

// ResourcesOfType returns the sorted ids of all resources of the given type.
func (t *Template) ResourcesOfType(typ string) []string {
	var ids []string
	for _, id := range t.ResourceIDs() {
		if t.ResourceType(id) == typ {
			ids = append(ids, id)
		}
	}
	return ids
}

// Properties returns the properties mapping of resource id.
func (t *Template) Properties(id string) *Node {
	return t.Resource(id).Field(t.Dialect.Properties)
}

// Outputs returns the outputs mapping, or an empty map when absent.
func (t *Template) Outputs() *Node {
	if o := t.Root.Field(t.Dialect.Outputs); o.IsMap() {
		return o
	}
	return Map(nil)
}

// OutputIDs returns all output names in sorted order.
func (t *Template) OutputIDs() []string {
	return t.Outputs().Keys()
}

// WithResource returns a template where resource id is replaced by body.
func (t *Template) WithResource(id string, body *Node) *Template {
	return New(t.Dialect, t.Root.With(t.Dialect.Resources, t.Resources().With(id, body)))
}

// WithoutResource returns a template without resource id. References to it
// are left untouched; see the patches package for cascading removal.
func (t *Template) WithoutResource(id string) *Template {
	return New(t.Dialect, t.Root.With(t.Dialect.Resources, t.Resources().Without(id)))
}

// WithResources returns a template with the whole resources mapping replaced.
func (t *Template) WithResources(resources *Node) *Template {
	return New(t.Dialect, t.Root.With(t.Dialect.Resources, resources))
}

// WithOutput returns a template where output name is replaced by body.
func (t *Template) WithOutput(name string, body *Node) *Template {
	return New(t.Dialect, t.Root.With(t.Dialect.Outputs, t.Outputs().With(name, body)))
}

// WithoutOutput returns a template without output name.
func (t *Template) WithoutOutput(name string) *Template {
	if !t.Outputs().Has(name) {
		return t
	}
	return New(t.Dialect, t.Root.With(t.Dialect.Outputs, t.Outputs().Without(name)))
}

// References returns the sorted unique ids referenced anywhere inside n.
func (t *Template) References(n *Node) []string {
	seen := make(map[string]bool)
	n.Walk(func(_ []string, node *Node) bool {
		if id, ok := t.Dialect.RefTarget(node); ok {
			seen[id] = true
			return false
		}
		return true
	})
	return sortedKeys(seen)
}

// DependsOn returns the explicit ordering dependencies of resource id.
func (t *Template) DependsOn(id string) []string {
	dep := t.Resource(id).Field(t.Dialect.DependsOn)
	if s, ok := dep.Str(); ok {
		return []string{s}
	}
	var out []string
	for _, item := range dep.Items() {
		if s, ok := item.Str(); ok {
			out = append(out, s)
		}
	}
	return out
}

// Dependencies returns every resource id that resource id depends on, both by
// reference and by explicit ordering. Ids that are not resources are ignored.
func (t *Template) Dependencies(id string) []string {
	seen := make(map[string]bool)
	for _, ref := range t.References(t.Resource(id).Without(t.Dialect.DependsOn)) {
		if ref != id && t.HasResource(ref) {
			seen[ref] = true
		}
	}
	for _, dep := range t.DependsOn(id) {
		if dep != id && t.HasResource(dep) {
			seen[dep] = true
		}
	}
	return sortedKeys(seen)
}

// Equal reports structural equality of the two documents.
func (t *Template) Equal(o *Template) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Root.Equal(o.Root)
}

// MarshalJSON renders the document.
func (t *Template) MarshalJSON() ([]byte, error) {
	return t.Root.MarshalJSON()
}

// Bytes renders the document as indented JSON, which both CloudFormation and
// Heat accept.
func (t *Template) Bytes() ([]byte, error) {
	return json.MarshalIndent(t.Root.Value(), "", "  ")
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
