package template

import "strings"

// Dialect names the keys a template language uses for the concepts the
// patch pipeline manipulates.
type Dialect struct {
	Name             string
	Resources        string
	Outputs          string
	Parameters       string
	Type             string
	Properties       string
	Metadata         string
	DependsOn        string
	OutputValue      string
	Ref              string
	GetAttr          string
	Join             string
	AvailabilityZone string
}

// CloudFormation is the AWS CloudFormation template dialect.
var CloudFormation = Dialect{
	Name:             "cloud_formation",
	Resources:        "Resources",
	Outputs:          "Outputs",
	Parameters:       "Parameters",
	Type:             "Type",
	Properties:       "Properties",
	Metadata:         "Metadata",
	DependsOn:        "DependsOn",
	OutputValue:      "Value",
	Ref:              "Ref",
	GetAttr:          "Fn::GetAtt",
	Join:             "Fn::Join",
	AvailabilityZone: "AvailabilityZone",
}

// Heat is the OpenStack Heat (HOT) template dialect.
var Heat = Dialect{
	Name:             "heat",
	Resources:        "resources",
	Outputs:          "outputs",
	Parameters:       "parameters",
	Type:             "type",
	Properties:       "properties",
	Metadata:         "metadata",
	DependsOn:        "depends_on",
	OutputValue:      "value",
	Ref:              "get_resource",
	GetAttr:          "get_attr",
	Join:             "list_join",
	AvailabilityZone: "availability_zone",
}

// DetectDialect guesses the dialect from the top-level keys of a document.
func DetectDialect(root *Node) Dialect {
	if root.Has("heat_template_version") || root.Has(Heat.Resources) {
		return Heat
	}
	return CloudFormation
}

// RefTarget returns the resource id a reference node points at.
//
// Both the plain reference form ({"Ref": "X"}) and the attribute lookup form
// ({"Fn::GetAtt": ["X", "Attr"]} or {"Fn::GetAtt": "X.Attr"}) are recognised.
func (d Dialect) RefTarget(n *Node) (string, bool) {
	if n.Kind() != KindMap || n.Len() != 1 {
		return "", false
	}
	if id, ok := n.Field(d.Ref).Str(); ok {
		return id, true
	}
	return d.AttrTarget(n)
}

// AttrTarget returns the resource id of an attribute lookup node.
func (d Dialect) AttrTarget(n *Node) (string, bool) {
	if n.Kind() != KindMap || n.Len() != 1 {
		return "", false
	}
	attr := n.Field(d.GetAttr)
	if attr == nil {
		return "", false
	}
	if s, ok := attr.Str(); ok {
		if i := strings.Index(s, "."); i > 0 {
			return s[:i], true
		}
		return "", false
	}
	if attr.IsList() && attr.Len() >= 1 {
		return attr.Item(0).Str()
	}
	return "", false
}

// AttrName returns the attribute name of an attribute lookup node.
func (d Dialect) AttrName(n *Node) (string, bool) {
	if _, ok := d.AttrTarget(n); !ok {
		return "", false
	}
	attr := n.Field(d.GetAttr)
	if s, ok := attr.Str(); ok {
		return s[strings.Index(s, ".")+1:], true
	}
	if attr.Len() < 2 {
		return "", false
	}
	return attr.Item(1).Str()
}

// IsRef reports whether n is a plain reference node.
func (d Dialect) IsRef(n *Node) bool {
	if n.Kind() != KindMap || n.Len() != 1 {
		return false
	}
	_, ok := n.Field(d.Ref).Str()
	return ok
}

// NewRef builds a plain reference to id.
func (d Dialect) NewRef(id string) *Node {
	return Map(map[string]*Node{d.Ref: String(id)})
}

// NewAttr builds an attribute lookup on id.
func (d Dialect) NewAttr(id, attr string) *Node {
	return Map(map[string]*Node{d.GetAttr: List(String(id), String(attr))})
}

// NewJoin builds a join of values with the given delimiter.
func (d Dialect) NewJoin(delimiter string, values ...*Node) *Node {
	return Map(map[string]*Node{d.Join: List(String(delimiter), List(values...))})
}

// Retarget returns a copy of a reference node pointing at id instead.
func (d Dialect) Retarget(n *Node, id string) *Node {
	if d.IsRef(n) {
		return d.NewRef(id)
	}
	attr := n.Field(d.GetAttr)
	if s, ok := attr.Str(); ok {
		return Map(map[string]*Node{d.GetAttr: String(id + s[strings.Index(s, "."):])})
	}
	items := attr.Items()
	items[0] = String(id)
	return Map(map[string]*Node{d.GetAttr: List(items...)})
}
