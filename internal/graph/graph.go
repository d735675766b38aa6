// Package graph holds the immutable target DAG and the per-invocation
// build state of its nodes. The graph owns a flat node arena; edges are
// index pairs into it, so ownership can never cycle even when the build
// graph is dense.
//
// Structure (nodes, edges, topo order) is fixed at construction and safe
// for lock-free concurrent reads. Node status is atomic; the scheduler
// serializes its compound select-ready-and-mark operation with its own
// mutex, not the graph's.
package graph

import (
	"sort"
	"strings"

	"forge/internal/errdefs"
	"forge/internal/logging"
	"forge/internal/target"
)

// Graph is the immutable DAG of targets.
type Graph struct {
	nodes []*Node
	index map[string]int // label -> arena index

	deps [][]int // deps[i]: indices i depends on
	rdep [][]int // rdep[i]: indices depending on i

	topo []int // deterministic topological order
}

// Build constructs a graph from validated targets. Every dependency
// reference must resolve to a declared target and the result must be
// acyclic; violations return graph-category errors and no graph.
func Build(targets []*target.Target) (*Graph, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "graph construction")
	defer timer.Stop()

	g := &Graph{
		index: make(map[string]int, len(targets)),
	}

	// Arena in deterministic order, so identical declarations produce
	// identical serialized graphs.
	sorted := make([]*target.Target, len(targets))
	copy(sorted, targets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for i, t := range sorted {
		if _, dup := g.index[t.ID]; dup {
			return nil, errdefs.New(errdefs.KindInvalidValue, "duplicate target %s", t.ID).WithTarget(t.ID)
		}
		n := &Node{Target: t}
		g.nodes = append(g.nodes, n)
		g.index[t.ID] = i
	}

	g.deps = make([][]int, len(g.nodes))
	g.rdep = make([][]int, len(g.nodes))

	for i, n := range g.nodes {
		for _, dep := range n.Target.Deps {
			j, ok := g.index[dep]
			if !ok {
				return nil, errdefs.New(errdefs.KindMissingDependency,
					"target %s depends on undeclared %s", n.ID(), dep).WithTarget(n.ID())
			}
			g.deps[i] = append(g.deps[i], j)
			g.rdep[j] = append(g.rdep[j], i)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.topo = order

	// Every node starts Ready: eligibility is judged by dependency state,
	// not by a separate marking pass.
	for _, n := range g.nodes {
		n.status.Store(int32(StatusReady))
	}

	logging.Get(logging.CategoryGraph).Info("graph built: %d nodes", len(g.nodes))
	return g, nil
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node for a label, or nil when unknown.
func (g *Graph) Node(id string) *Node {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.nodes[i]
}

// Nodes returns all nodes in arena (label-sorted) order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Dependencies returns the direct dependency labels of id.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.deps[i]))
	for _, j := range g.deps[i] {
		out = append(out, g.nodes[j].ID())
	}
	sort.Strings(out)
	return out
}

// Dependents returns the direct dependent labels of id.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.rdep[i]))
	for _, j := range g.rdep[i] {
		out = append(out, g.nodes[j].ID())
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns the deterministic dependency-first order.
// Ties break lexicographically by label.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.topo))
	for i, idx := range g.topo {
		out[i] = g.nodes[idx].ID()
	}
	return out
}

// ReadyNodes returns every node whose status is Ready and whose
// dependencies are all satisfied, in label order.
func (g *Graph) ReadyNodes() []*Node {
	var ready []*Node
	for i, n := range g.nodes {
		if n.Status() != StatusReady {
			continue
		}
		ok := true
		for _, j := range g.deps[i] {
			if !g.nodes[j].Status().Satisfied() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

// Mark transitions a node's status, returning the previous status.
// Illegal transitions are fatal errors.
func (g *Graph) Mark(id string, s Status) (Status, error) {
	n := g.Node(id)
	if n == nil {
		return StatusPending, errdefs.New(errdefs.KindTargetNotFound, "no node %s", id)
	}
	return n.transition(s)
}

// ForceStatus restores a node's status without transition checking.
// Reserved for checkpoint application.
func (g *Graph) ForceStatus(id string, s Status) {
	if n := g.Node(id); n != nil {
		n.forceStatus(s)
	}
}

// TransitiveDependents returns every node reachable from the given labels
// by following reverse edges, excluding the seeds themselves.
func (g *Graph) TransitiveDependents(ids []string) []string {
	seen := make(map[int]bool)
	var stack []int
	for _, id := range ids {
		if i, ok := g.index[id]; ok {
			stack = append(stack, i)
		}
	}
	seeds := make(map[int]bool, len(stack))
	for _, i := range stack {
		seeds[i] = true
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, j := range g.rdep[i] {
			if !seen[j] {
				seen[j] = true
				stack = append(stack, j)
			}
		}
	}

	var out []string
	for i := range seen {
		if !seeds[i] {
			out = append(out, g.nodes[i].ID())
		}
	}
	sort.Strings(out)
	return out
}

// TransitiveDependencies returns everything the given labels depend on,
// including the seeds, in topological order. Used to slice the graph to
// one requested target.
func (g *Graph) TransitiveDependencies(ids []string) []string {
	want := make(map[int]bool)
	var stack []int
	for _, id := range ids {
		if i, ok := g.index[id]; ok && !want[i] {
			want[i] = true
			stack = append(stack, i)
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, j := range g.deps[i] {
			if !want[j] {
				want[j] = true
				stack = append(stack, j)
			}
		}
	}

	var out []string
	for _, idx := range g.topo {
		if want[idx] {
			out = append(out, g.nodes[idx].ID())
		}
	}
	return out
}

// topoSort runs Kahn's algorithm with a lexicographically ordered frontier.
// Leftover nodes mean a cycle; the cycle path is extracted for the error.
func (g *Graph) topoSort() ([]int, error) {
	indegree := make([]int, len(g.nodes))
	for i := range g.nodes {
		indegree[i] = len(g.deps[i])
	}

	// Frontier kept sorted by label; arena order is label order, so index
	// order is label order.
	var frontier []int
	for i, d := range indegree {
		if d == 0 {
			frontier = append(frontier, i)
		}
	}

	var order []int
	for len(frontier) > 0 {
		i := frontier[0]
		frontier = frontier[1:]
		order = append(order, i)

		for _, j := range g.rdep[i] {
			indegree[j]--
			if indegree[j] == 0 {
				frontier = insertSorted(frontier, j)
			}
		}
	}

	if len(order) != len(g.nodes) {
		cycle := g.findCycle(indegree)
		return nil, errdefs.New(errdefs.KindCircularDependency,
			"dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return order, nil
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// findCycle walks the subgraph of nodes Kahn could not order and returns
// one cycle as labels, closed (first label repeated at the end).
func (g *Graph) findCycle(indegree []int) []string {
	inCycle := make(map[int]bool)
	for i, d := range indegree {
		if d > 0 {
			inCycle[i] = true
		}
	}

	// Walk dependency edges within the leftover set; a repeat closes the
	// cycle.
	var start int
	for i := range inCycle {
		start = i
		break
	}

	seenAt := map[int]int{}
	var path []int
	cur := start
	for {
		if pos, seen := seenAt[cur]; seen {
			path = append(path[pos:], cur)
			break
		}
		seenAt[cur] = len(path)
		path = append(path, cur)
		for _, j := range g.deps[cur] {
			if inCycle[j] {
				cur = j
				break
			}
		}
	}

	labels := make([]string, len(path))
	for i, idx := range path {
		labels[i] = g.nodes[idx].ID()
	}
	return labels
}
