// Package commitorder sorts a weighted dependency graph into a commit order.
//
// An edge from → to means "from is committed before to": the row of type to
// holds a foreign key referencing from. Weights express how hard an edge is
// to break: 0 for a nullable reference that can be filled in by a later
// UPDATE, positive for non-nullable references. Fractional weights are
// allowed.
//
// Sort never fails. When the graph has cycles it breaks one edge per cycle,
// preferring the weakest, and reports every violated edge through Broken.
package commitorder

import (
	"fmt"
	"slices"
)

type visitState int

const (
	notVisited visitState = iota
	inProgress
	visited
)

// Edge is a weighted dependency between two nodes.
type Edge struct {
	From   string
	To     string
	Weight float64
}

// String renders the edge for logs.
func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s (%g)", e.From, e.To, e.Weight)
}

type node struct {
	id    string
	state visitState
	deps  []*Edge // outgoing edges in insertion order
}

func (n *node) edgeTo(id string) *Edge {
	for _, e := range n.deps {
		if e.To == id {
			return e
		}
	}
	return nil
}

// Calculator is a weighted topological sorter with cycle breaking. The zero
// value is not usable; call New.
type Calculator struct {
	nodes  map[string]*node
	order  []string
	edges  []*Edge
	sorted []string
	broken []Edge
}

// New creates an empty calculator.
func New() *Calculator {
	return &Calculator{nodes: make(map[string]*node)}
}

// AddNode registers a node. Adding an existing node is a no-op.
func (c *Calculator) AddNode(id string) {
	if _, ok := c.nodes[id]; ok {
		return
	}
	c.nodes[id] = &node{id: id}
	c.order = append(c.order, id)
}

// HasNode reports whether id is registered.
func (c *Calculator) HasNode(id string) bool {
	_, ok := c.nodes[id]
	return ok
}

// AddDependency records that from is committed before to. Missing nodes are
// added. Repeating a pair keeps the strongest weight.
func (c *Calculator) AddDependency(from, to string, weight float64) {
	c.AddNode(from)
	c.AddNode(to)

	n := c.nodes[from]
	if e := n.edgeTo(to); e != nil {
		e.Weight = max(e.Weight, weight)
		return
	}
	e := &Edge{From: from, To: to, Weight: weight}
	n.deps = append(n.deps, e)
	c.edges = append(c.edges, e)
}

// Sort returns every node in commit order.
//
// Nodes are visited depth first in insertion order, following stronger
// edges before weaker ones and insertion order among equal weights. When an
// edge leads back into the current path, the cycle is broken at that edge
// unless the reverse edge is weaker, in which case the node at the other
// end is finished first and the weaker reverse edge gives way.
func (c *Calculator) Sort() []string {
	for _, n := range c.nodes {
		n.state = notVisited
	}
	c.sorted = c.sorted[:0]

	for _, id := range c.order {
		if n := c.nodes[id]; n.state == notVisited {
			c.visit(n)
		}
	}

	slices.Reverse(c.sorted)
	c.computeBroken()
	return slices.Clone(c.sorted)
}

func (c *Calculator) visit(n *node) {
	n.state = inProgress

	for _, e := range byWeight(n.deps) {
		target := c.nodes[e.To]
		switch target.state {
		case visited:
		case inProgress:
			c.visitOpenNode(n, target, e)
		case notVisited:
			c.visit(target)
		}
	}

	if n.state != visited {
		n.state = visited
		c.sorted = append(c.sorted, n.id)
	}
}

// visitOpenNode handles an edge n → target where target is still on the
// path. If target's edge back to n is weaker than e, target is finished now
// so that it lands after n in the final order.
func (c *Calculator) visitOpenNode(n, target *node, e *Edge) {
	back := target.edgeTo(n.id)
	if back == nil || back.Weight >= e.Weight {
		return
	}

	for _, dep := range byWeight(target.deps) {
		if next := c.nodes[dep.To]; next.state == notVisited {
			c.visit(next)
		}
	}

	target.state = visited
	c.sorted = append(c.sorted, target.id)
}

// byWeight returns edges by descending weight, stable on insertion order.
func byWeight(edges []*Edge) []*Edge {
	out := slices.Clone(edges)
	slices.SortStableFunc(out, func(a, b *Edge) int {
		switch {
		case a.Weight > b.Weight:
			return -1
		case a.Weight < b.Weight:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (c *Calculator) computeBroken() {
	pos := make(map[string]int, len(c.sorted))
	for i, id := range c.sorted {
		pos[id] = i
	}
	c.broken = c.broken[:0]
	for _, e := range c.edges {
		if e.From != e.To && pos[e.From] > pos[e.To] {
			c.broken = append(c.broken, *e)
		}
	}
}

// Broken returns the edges the last Sort could not honor, in insertion
// order.
func (c *Calculator) Broken() []Edge {
	return slices.Clone(c.broken)
}

// Strong returns the broken edges with a positive weight. Each one is a
// foreign key that cannot be satisfied in a single ordered pass.
func (c *Calculator) Strong() []Edge {
	var out []Edge
	for _, e := range c.broken {
		if e.Weight > 0 {
			out = append(out, e)
		}
	}
	return out
}

// CycleWarning reports a strong edge that had to be broken.
type CycleWarning struct {
	Edge    Edge
	Message string
}

// Warnings returns one CycleWarning per strong broken edge of the last Sort.
func (c *Calculator) Warnings() []CycleWarning {
	var out []CycleWarning
	for _, e := range c.Strong() {
		out = append(out, CycleWarning{
			Edge:    e,
			Message: fmt.Sprintf("cycle broken at strong edge %s; %s is written before the row it references exists", e, e.To),
		})
	}
	return out
}
