package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/uow/internal/schema"
)

// CycleWarning represents a foreign-key cycle between entity types.
//
// Cycles are warnings, not errors: a unit of work can still flush them as
// long as one reference on the cycle is nullable, by inserting that row with
// a null key and filling it in with a later UPDATE.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["Author", "Book", "Author"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// Cycle levels.
const (
	// LevelWarning marks cycles made only of non-nullable references. No
	// insert order satisfies them in a single pass.
	LevelWarning = "warning"
	// LevelInfo marks cycles with at least one nullable reference.
	LevelInfo = "info"
)

// fkEdge is an owning relation from one entity type to its target.
type fkEdge struct {
	to       string
	field    string
	nullable bool
}

// fkGraph keeps both adjacency and node order so traversal is deterministic.
type fkGraph struct {
	nodes []string
	edges map[string][]fkEdge
}

// AnalyzeCycles performs static cycle analysis on the foreign keys of a
// registry.
//
// The algorithm:
//  1. Build an entity → target graph from owning relations
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or self-loops as a cycle warning
//
// Nodes are visited in registration order and edges in field order, so the
// result is the same on every run. A DAG returns an empty list.
func AnalyzeCycles(reg *schema.Registry) []CycleWarning {
	graph := buildFKGraph(reg)

	sccs := tarjanSCC(graph)

	warnings := []CycleWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	return warnings
}

func buildFKGraph(reg *schema.Registry) fkGraph {
	g := fkGraph{edges: make(map[string][]fkEdge)}
	for _, et := range reg.Entities() {
		g.nodes = append(g.nodes, et.Name)
		for _, f := range et.Fields {
			if !f.IsOwning() || f.Transient {
				continue
			}
			if _, ok := reg.Lookup(f.Relation.Target); !ok {
				continue
			}
			g.edges[et.Name] = append(g.edges[et.Name], fkEdge{
				to:       f.Relation.Target,
				field:    f.Name,
				nullable: f.Nullable,
			})
		}
	}
	return g
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, g fkGraph) bool {
	for _, e := range g.edges[node] {
		if e.to == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs in discovery order. Within each SCC, nodes are
// rotated so the earliest-registered member comes first. Single-node SCCs
// without self-loops are NOT cycles.
func tarjanSCC(g fkGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range g.edges[v] {
			w := e.to
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range g.nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	rank := make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		rank[n] = i
	}
	for _, scc := range sccs {
		first := 0
		for i, n := range scc {
			if rank[n] < rank[scc[first]] {
				first = i
			}
		}
		rotated := append(append([]string{}, scc[first:]...), scc[:first]...)
		copy(scc, rotated)
	}
	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning.
func cycleSCCToWarning(scc []string, g fkGraph) CycleWarning {
	path, edges := reconstructCyclePath(scc, g)

	level := LevelWarning
	for _, e := range edges {
		if e.nullable {
			level = LevelInfo
			break
		}
	}

	var fields []string
	for i, e := range edges {
		fields = append(fields, path[i]+"."+e.field)
	}

	if len(scc) == 1 {
		return CycleWarning{
			Path:    path,
			Message: fmt.Sprintf("Self-referencing entity: %s (via %s)", scc[0], strings.Join(fields, ", ")),
			Level:   level,
		}
	}
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Foreign-key cycle: %s (via %s)", strings.Join(path, " → "), strings.Join(fields, ", ")),
		Level:   level,
	}
}

// reconstructCyclePath builds a cycle path from an SCC, together with the
// edge taken at each step.
//
// Strategy: start at the first node in the SCC, follow edges to other SCC
// members, continue until we return to the start node.
func reconstructCyclePath(scc []string, g fkGraph) ([]string, []fkEdge) {
	if len(scc) == 0 {
		return []string{}, nil
	}

	inSCC := make(map[string]bool, len(scc))
	for _, node := range scc {
		inSCC[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	var taken []fkEdge
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next *fkEdge
		for i, e := range g.edges[current] {
			if e.to == start {
				next = &g.edges[current][i]
				break
			}
			if next == nil && inSCC[e.to] && !visited[e.to] {
				next = &g.edges[current][i]
			}
		}
		if next == nil {
			break
		}

		path = append(path, next.to)
		taken = append(taken, *next)
		if next.to == start {
			break
		}
		current = next.to
	}

	return path, taken
}
