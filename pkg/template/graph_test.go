package template

import (
	"errors"
	"reflect"
	"testing"
)

func chainTemplate() *Template {
	return New(CloudFormation, Object(
		"Resources", map[string]interface{}{
			"A": map[string]interface{}{"Type": "T"},
			"B": map[string]interface{}{"Type": "T", "Properties": map[string]interface{}{"X": map[string]interface{}{"Ref": "A"}}},
			"C": map[string]interface{}{"Type": "T", "DependsOn": []interface{}{"B"}},
			"D": map[string]interface{}{"Type": "T", "Properties": map[string]interface{}{"Param": map[string]interface{}{"Ref": "AWS::Region"}}},
		},
	))
}

func TestBuildGraph_Levels(t *testing.T) {
	g, err := BuildGraph(chainTemplate())
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	want := [][]string{{"A", "D"}, {"B"}, {"C"}}
	if got := g.Levels(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected levels %v, got %v", want, got)
	}

	if got := g.Order(); !reflect.DeepEqual(got, []string{"A", "D", "B", "C"}) {
		t.Errorf("Unexpected order %v", got)
	}
}

func TestBuildGraph_TransitiveDependents(t *testing.T) {
	g, err := BuildGraph(chainTemplate())
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	if got := g.TransitiveDependents("A"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("Expected B and C, got %v", got)
	}
	if got := g.Dependents("D"); len(got) != 0 {
		t.Errorf("Expected no dependents of D, got %v", got)
	}
}

func TestBuildGraph_Cycle(t *testing.T) {
	tmpl := New(CloudFormation, Object(
		"Resources", map[string]interface{}{
			"A": map[string]interface{}{"Type": "T", "DependsOn": "B"},
			"B": map[string]interface{}{"Type": "T", "DependsOn": "A"},
		},
	))

	_, err := BuildGraph(tmpl)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("Expected cycle error, got %v", err)
	}
	if len(cycle.Path) != 3 {
		t.Errorf("Expected cycle path of length 3, got %v", cycle.Path)
	}
}
