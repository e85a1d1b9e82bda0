package patches

import (
	"fmt"

	"github.com/cloudconductor/conductor/pkg/template"
)

// RewriteAttribute renames an attribute in every attribute lookup that
// targets a resource of Type. An empty Type matches every resource.
type RewriteAttribute struct {
	Type string
	From string
	To   string
}

func (p *RewriteAttribute) Name() string {
	return fmt.Sprintf("rewrite_attribute(%s:%s->%s)", p.Type, p.From, p.To)
}

func (p *RewriteAttribute) matches(t *template.Template, n *template.Node) bool {
	id, ok := t.Dialect.AttrTarget(n)
	if !ok {
		return false
	}
	name, ok := t.Dialect.AttrName(n)
	if !ok || name != p.From {
		return false
	}
	return p.Type == "" || t.ResourceType(id) == p.Type
}

func (p *RewriteAttribute) Need(t *template.Template, _ *Context) bool {
	found := false
	t.Root.Walk(func(_ []string, n *template.Node) bool {
		if found {
			return false
		}
		if p.matches(t, n) {
			found = true
			return false
		}
		return true
	})
	return found
}

func (p *RewriteAttribute) Apply(t *template.Template, _ *Context) (*template.Template, error) {
	if p.From == p.To {
		return t, nil
	}
	d := t.Dialect
	root := t.Root.Rewrite(func(n *template.Node) *template.Node {
		if !p.matches(t, n) {
			return n
		}
		id, _ := d.AttrTarget(n)
		if _, isString := n.Field(d.GetAttr).Str(); isString {
			return template.Map(map[string]*template.Node{d.GetAttr: template.String(id + "." + p.To)})
		}
		items := n.Field(d.GetAttr).Items()
		items[1] = template.String(p.To)
		return template.Map(map[string]*template.Node{d.GetAttr: template.List(items...)})
	})
	return template.New(d, root), nil
}
