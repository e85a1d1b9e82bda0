package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which variant of the template tree a Node holds.
type Kind int

const (
	// KindNull is an explicit JSON null.
	KindNull Kind = iota

	// KindScalar is a string, boolean or number.
	KindScalar

	// KindList is an ordered sequence of nodes.
	KindList

	// KindMap is a string-keyed mapping of nodes.
	KindMap
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Node is one vertex of a provider template tree.
//
// Nodes are immutable: every method that changes the tree returns a new root
// and leaves the receiver untouched. Unchanged subtrees are shared between the
// old and the new tree, which is safe because nothing mutates them.
type Node struct {
	kind   Kind
	scalar interface{} // string, bool or json.Number
	items  []*Node
	fields map[string]*Node
}

// Null returns a null node.
func Null() *Node {
	return &Node{kind: KindNull}
}

// String returns a string scalar node.
func String(s string) *Node {
	return &Node{kind: KindScalar, scalar: s}
}

// Bool returns a boolean scalar node.
func Bool(b bool) *Node {
	return &Node{kind: KindScalar, scalar: b}
}

// Number returns a numeric scalar node.
func Number(n json.Number) *Node {
	return &Node{kind: KindScalar, scalar: n}
}

// Int returns a numeric scalar node holding an integer.
func Int(i int) *Node {
	return Number(json.Number(strconv.Itoa(i)))
}

// List returns a list node holding the given items.
func List(items ...*Node) *Node {
	copied := make([]*Node, 0, len(items))
	for _, item := range items {
		if item == nil {
			item = Null()
		}
		copied = append(copied, item)
	}
	return &Node{kind: KindList, items: copied}
}

// Map returns a map node holding a copy of the given fields.
func Map(fields map[string]*Node) *Node {
	copied := make(map[string]*Node, len(fields))
	for k, v := range fields {
		if v == nil {
			v = Null()
		}
		copied[k] = v
	}
	return &Node{kind: KindMap, fields: copied}
}

// Object builds a map node from alternating key/value arguments.
// It panics on malformed input, so it is meant for literals in code.
func Object(kv ...interface{}) *Node {
	if len(kv)%2 != 0 {
		panic("template.Object: odd number of arguments")
	}
	fields := make(map[string]*Node, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("template.Object: key %v is not a string", kv[i]))
		}
		fields[key] = FromValue(kv[i+1])
	}
	return &Node{kind: KindMap, fields: fields}
}

// FromValue converts a decoded JSON or YAML value into a tree.
func FromValue(v interface{}) *Node {
	switch val := v.(type) {
	case nil:
		return Null()
	case *Node:
		if val == nil {
			return Null()
		}
		return val
	case string:
		return String(val)
	case bool:
		return Bool(val)
	case json.Number:
		return Number(val)
	case int:
		return Int(val)
	case int64:
		return Number(json.Number(strconv.FormatInt(val, 10)))
	case uint64:
		return Number(json.Number(strconv.FormatUint(val, 10)))
	case float64:
		return Number(json.Number(strconv.FormatFloat(val, 'f', -1, 64)))
	case []interface{}:
		items := make([]*Node, 0, len(val))
		for _, item := range val {
			items = append(items, FromValue(item))
		}
		return &Node{kind: KindList, items: items}
	case []*Node:
		return List(val...)
	case []string:
		items := make([]*Node, 0, len(val))
		for _, item := range val {
			items = append(items, String(item))
		}
		return &Node{kind: KindList, items: items}
	case map[string]interface{}:
		fields := make(map[string]*Node, len(val))
		for k, item := range val {
			fields[k] = FromValue(item)
		}
		return &Node{kind: KindMap, fields: fields}
	case map[interface{}]interface{}:
		fields := make(map[string]*Node, len(val))
		for k, item := range val {
			fields[fmt.Sprint(k)] = FromValue(item)
		}
		return &Node{kind: KindMap, fields: fields}
	case map[string]*Node:
		return Map(val)
	case map[string]string:
		fields := make(map[string]*Node, len(val))
		for k, item := range val {
			fields[k] = String(item)
		}
		return &Node{kind: KindMap, fields: fields}
	default:
		return String(fmt.Sprint(val))
	}
}

// Kind returns the variant held by the node.
func (n *Node) Kind() Kind {
	if n == nil {
		return KindNull
	}
	return n.kind
}

// IsMap reports whether the node is a map.
func (n *Node) IsMap() bool { return n.Kind() == KindMap }

// IsList reports whether the node is a list.
func (n *Node) IsList() bool { return n.Kind() == KindList }

// IsScalar reports whether the node is a scalar.
func (n *Node) IsScalar() bool { return n.Kind() == KindScalar }

// Str returns the string value of a string scalar.
func (n *Node) Str() (string, bool) {
	if n.Kind() != KindScalar {
		return "", false
	}
	s, ok := n.scalar.(string)
	return s, ok
}

// Len returns the number of items or fields; scalars and null have length 0.
func (n *Node) Len() int {
	switch n.Kind() {
	case KindList:
		return len(n.items)
	case KindMap:
		return len(n.fields)
	default:
		return 0
	}
}

// Items returns a copy of the list items.
func (n *Node) Items() []*Node {
	if n.Kind() != KindList {
		return nil
	}
	return append([]*Node(nil), n.items...)
}

// Item returns the i-th list item or nil.
func (n *Node) Item(i int) *Node {
	if n.Kind() != KindList || i < 0 || i >= len(n.items) {
		return nil
	}
	return n.items[i]
}

// Field returns the value stored under key or nil.
func (n *Node) Field(key string) *Node {
	if n.Kind() != KindMap {
		return nil
	}
	return n.fields[key]
}

// Has reports whether a map node holds key.
func (n *Node) Has(key string) bool {
	return n.Field(key) != nil
}

// Keys returns the sorted keys of a map node.
func (n *Node) Keys() []string {
	if n.Kind() != KindMap {
		return nil
	}
	keys := make([]string, 0, len(n.fields))
	for k := range n.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get walks map keys and returns the node at path, or nil when any step is missing.
func (n *Node) Get(path ...string) *Node {
	cur := n
	for _, key := range path {
		if cur.Kind() != KindMap {
			return nil
		}
		cur = cur.fields[key]
		if cur == nil {
			return nil
		}
	}
	return cur
}

// With returns a copy of a map node with key set to value.
// A non-map receiver is treated as an empty map.
func (n *Node) With(key string, value *Node) *Node {
	if value == nil {
		value = Null()
	}
	fields := make(map[string]*Node, n.Len()+1)
	if n.Kind() == KindMap {
		for k, v := range n.fields {
			fields[k] = v
		}
	}
	fields[key] = value
	return &Node{kind: KindMap, fields: fields}
}

// Without returns a copy of a map node without key.
func (n *Node) Without(key string) *Node {
	if n.Kind() != KindMap {
		return n
	}
	if _, ok := n.fields[key]; !ok {
		return n
	}
	fields := make(map[string]*Node, len(n.fields))
	for k, v := range n.fields {
		if k != key {
			fields[k] = v
		}
	}
	return &Node{kind: KindMap, fields: fields}
}

// Append returns a copy of a list node with values appended.
func (n *Node) Append(values ...*Node) *Node {
	items := append(n.Items(), values...)
	return List(items...)
}

// Set returns a new tree with value stored at path, creating missing maps on
// the way. It fails when an intermediate node exists but is not a map.
func (n *Node) Set(path []string, value *Node) (*Node, error) {
	if len(path) == 0 {
		return value, nil
	}
	if n != nil && n.Kind() != KindMap && n.Kind() != KindNull {
		return nil, fmt.Errorf("cannot set %q: parent is a %s", path[0], n.Kind())
	}
	child, err := n.Field(path[0]).Set(path[1:], value)
	if err != nil {
		return nil, fmt.Errorf("%s.%w", path[0], err)
	}
	return n.With(path[0], child), nil
}

// Delete returns a new tree without the node at path. Missing or non-map
// intermediate nodes leave the tree unchanged.
func (n *Node) Delete(path ...string) *Node {
	if len(path) == 0 || n.Kind() != KindMap {
		return n
	}
	if len(path) == 1 {
		return n.Without(path[0])
	}
	child := n.fields[path[0]]
	if child == nil {
		return n
	}
	updated := child.Delete(path[1:]...)
	if updated == child {
		return n
	}
	return n.With(path[0], updated)
}

// Rewrite rebuilds the tree bottom-up, replacing every node with fn(node).
// fn receives nodes whose children were already rewritten. Returning nil
// drops the node from its parent list or map.
func (n *Node) Rewrite(fn func(*Node) *Node) *Node {
	if n == nil {
		return nil
	}
	switch n.kind {
	case KindList:
		items := make([]*Node, 0, len(n.items))
		changed := false
		for _, item := range n.items {
			rewritten := item.Rewrite(fn)
			if rewritten != item {
				changed = true
			}
			if rewritten != nil {
				items = append(items, rewritten)
			}
		}
		if changed {
			return fn(&Node{kind: KindList, items: items})
		}
		return fn(n)
	case KindMap:
		var fields map[string]*Node
		for k, v := range n.fields {
			rewritten := v.Rewrite(fn)
			if rewritten == v {
				continue
			}
			if fields == nil {
				fields = make(map[string]*Node, len(n.fields))
				for kk, vv := range n.fields {
					fields[kk] = vv
				}
			}
			if rewritten == nil {
				delete(fields, k)
			} else {
				fields[k] = rewritten
			}
		}
		if fields != nil {
			return fn(&Node{kind: KindMap, fields: fields})
		}
		return fn(n)
	default:
		return fn(n)
	}
}

// Walk visits the tree depth-first in deterministic order. Returning false
// from fn skips the children of the current node.
func (n *Node) Walk(fn func(path []string, node *Node) bool) {
	n.walk(nil, fn)
}

func (n *Node) walk(path []string, fn func([]string, *Node) bool) {
	if n == nil || !fn(path, n) {
		return
	}
	switch n.kind {
	case KindList:
		for i, item := range n.items {
			item.walk(append(path[:len(path):len(path)], strconv.Itoa(i)), fn)
		}
	case KindMap:
		for _, k := range n.Keys() {
			n.fields[k].walk(append(path[:len(path):len(path)], k), fn)
		}
	}
}

// Equal reports deep equality.
func (n *Node) Equal(o *Node) bool {
	if n.Kind() != o.Kind() {
		return false
	}
	switch n.Kind() {
	case KindNull:
		return true
	case KindScalar:
		return n.scalar == o.scalar
	case KindList:
		if len(n.items) != len(o.items) {
			return false
		}
		for i := range n.items {
			if !n.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(n.fields) != len(o.fields) {
			return false
		}
		for k, v := range n.fields {
			ov, ok := o.fields[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Value converts the tree back into plain Go values suitable for encoding.
func (n *Node) Value() interface{} {
	switch n.Kind() {
	case KindScalar:
		return n.scalar
	case KindList:
		out := make([]interface{}, 0, len(n.items))
		for _, item := range n.items {
			out = append(out, item.Value())
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(n.fields))
		for k, v := range n.fields {
			out[k] = v.Value()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON renders the tree as JSON with sorted map keys.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Value())
}

// UnmarshalJSON decodes JSON, keeping numbers in their literal form.
func (n *Node) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*n = *FromValue(v)
	return nil
}

// String renders the node as compact JSON.
func (n *Node) String() string {
	data, err := n.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid node: %v>", err)
	}
	return string(data)
}
