package supervisor

import (
	"warden/internal/domain"
)

// DependencyKind classifies an edge in the agent dependency graph.
type DependencyKind string

const (
	// DependencyRequired means the dependent cannot run without the
	// dependency; it is stopped when the dependency goes away for good.
	DependencyRequired DependencyKind = "required"
	// DependencyOptional means the dependent degrades but keeps running.
	DependencyOptional DependencyKind = "optional"
	// DependencyPeer marks a bidirectional association with no cascade.
	DependencyPeer DependencyKind = "peer"
)

// depGraph tracks which agents depend on which. Edges point from the
// dependent to its dependency. Not goroutine-safe; the supervisor guards it.
type depGraph struct {
	// edges[dependent][dependency] = kind
	edges map[domain.AgentID]map[domain.AgentID]DependencyKind
}

func newDepGraph() *depGraph {
	return &depGraph{edges: make(map[domain.AgentID]map[domain.AgentID]DependencyKind)}
}

// add records that dependent depends on dependency. Self edges and edges
// that would close a required cycle are rejected.
func (g *depGraph) add(dependent, dependency domain.AgentID, kind DependencyKind) error {
	if dependent == dependency {
		return domain.NewDomainError("depGraph.add", domain.ErrInvalidInput, "self dependency")
	}
	if kind == DependencyRequired && g.onRequiredPath(dependent, dependency) {
		return domain.NewDomainError("depGraph.add", domain.ErrInvalidInput, "dependency cycle")
	}
	if g.edges[dependent] == nil {
		g.edges[dependent] = make(map[domain.AgentID]DependencyKind)
	}
	g.edges[dependent][dependency] = kind
	return nil
}

// onRequiredPath reports whether target is reachable from start by walking
// required edges. Used for cycle rejection before inserting start→target
// reversed.
func (g *depGraph) onRequiredPath(target, start domain.AgentID) bool {
	seen := map[domain.AgentID]bool{}
	stack := []domain.AgentID{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for dep, kind := range g.edges[cur] {
			if kind == DependencyRequired {
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// remove drops every edge touching id.
func (g *depGraph) remove(id domain.AgentID) {
	delete(g.edges, id)
	for _, deps := range g.edges {
		delete(deps, id)
	}
}

// requiredDependents returns the transitive set of agents whose required
// dependency chain includes id — the cascade when id is permanently removed.
func (g *depGraph) requiredDependents(id domain.AgentID) []domain.AgentID {
	var out []domain.AgentID
	seen := map[domain.AgentID]bool{id: true}
	frontier := []domain.AgentID{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for dependent, deps := range g.edges {
			if seen[dependent] {
				continue
			}
			if deps[next] == DependencyRequired {
				seen[dependent] = true
				out = append(out, dependent)
				frontier = append(frontier, dependent)
			}
		}
	}
	return out
}

// dependenciesOf returns id's direct dependencies with their kinds.
func (g *depGraph) dependenciesOf(id domain.AgentID) map[domain.AgentID]DependencyKind {
	out := make(map[domain.AgentID]DependencyKind, len(g.edges[id]))
	for dep, kind := range g.edges[id] {
		out[dep] = kind
	}
	return out
}
