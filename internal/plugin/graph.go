package plugin

import "sort"

// depGraph is the inter-plugin dependency graph built from manifest
// declarations. Edges point from a plugin to the plugins it depends on.
type depGraph struct {
	deps map[string][]string
}

func newDepGraph() *depGraph {
	return &depGraph{deps: make(map[string][]string)}
}

// add records a node and its dependency edges.
func (g *depGraph) add(name string, deps []string) {
	g.deps[name] = append([]string{}, deps...)
}

// sorted runs Kahn's algorithm and returns a topological order placing
// every dependency before its dependents, plus the set of nodes that sit
// on (or behind) a cycle. Ready nodes are taken in lexical order so the
// result is deterministic. Nodes with missing dependencies must be
// removed before calling.
func (g *depGraph) sorted() (order []string, cyclic []string) {
	indegree := make(map[string]int, len(g.deps))
	dependents := make(map[string][]string, len(g.deps))

	for name := range g.deps {
		indegree[name] = 0
	}
	for name, deps := range g.deps {
		for _, dep := range deps {
			if _, ok := g.deps[dep]; !ok {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order = make([]string, 0, len(g.deps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var freed []string
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		sort.Strings(freed)
		ready = mergeSorted(ready, freed)
	}

	if len(order) < len(g.deps) {
		for name := range g.deps {
			if !contains(order, name) {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
	}
	return order, cyclic
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}
