package template

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the resource dependency graph of a template.
// Edges point from a dependency to the resources that require it.
type Graph struct {
	dependencies map[string][]string
	dependents   map[string][]string
	levels       [][]string
}

// CycleError reports a circular dependency between resources.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// BuildGraph computes the dependency graph of t and its topological levels.
func BuildGraph(t *Template) (*Graph, error) {
	g := &Graph{
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}

	ids := t.ResourceIDs()
	for _, id := range ids {
		g.dependencies[id] = t.Dependencies(id)
		if _, ok := g.dependents[id]; !ok {
			g.dependents[id] = nil
		}
		for _, dep := range g.dependencies[id] {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if cycle := g.findCycle(ids); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}
	g.computeLevels(ids)
	return g, nil
}

// findCycle runs a depth-first search and returns the first cycle it meets.
func (g *Graph) findCycle(ids []string) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, next := range g.dependents[id] {
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				for i, p := range path {
					if p == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			}
		}
		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range ids {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels assigns Kahn levels. Ids within a level are sorted.
func (g *Graph) computeLevels(ids []string) {
	inDegree := make(map[string]int, len(ids))
	var current []string
	for _, id := range ids {
		inDegree[id] = len(g.dependencies[id])
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		g.levels = append(g.levels, current)
		var next []string
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}
}

// Levels returns resource ids grouped by topological level.
func (g *Graph) Levels() [][]string {
	return g.levels
}

// Order returns a deterministic topological order of all resources.
func (g *Graph) Order() []string {
	var out []string
	for _, level := range g.levels {
		out = append(out, level...)
	}
	return out
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// Dependents returns the resources that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// TransitiveDependents returns every resource that depends on id directly or
// indirectly, sorted.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] || cur == id {
			continue
		}
		seen[cur] = true
		queue = append(queue, g.dependents[cur]...)
	}
	return sortedKeys(seen)
}
