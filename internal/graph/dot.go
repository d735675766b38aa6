package graph

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"
)

// DOT renders the graph in Graphviz format. Node shape encodes kind;
// current build status is attached as a label suffix so a mid-build or
// post-build export shows what happened.
func (g *Graph) DOT() string {
	d := dot.NewGraph(dot.Directed)
	d.Attr("rankdir", "LR")

	byID := make(map[string]dot.Node, len(g.nodes))
	for _, n := range g.nodes {
		dn := d.Node(n.ID()).Label(fmt.Sprintf("%s\n[%s]", n.ID(), n.Status()))
		switch n.Target.Kind {
		case "executable":
			dn.Attr("shape", "box")
		case "test":
			dn.Attr("shape", "diamond")
		default:
			dn.Attr("shape", "ellipse")
		}
		byID[n.ID()] = dn
	}

	for i, n := range g.nodes {
		for _, j := range g.deps[i] {
			d.Edge(byID[n.ID()], byID[g.nodes[j].ID()])
		}
	}
	return d.String()
}

// Text renders the graph as an indented dependency listing in topological
// order.
func (g *Graph) Text() string {
	var b strings.Builder
	for _, id := range g.TopologicalOrder() {
		fmt.Fprintf(&b, "%s (%s)\n", id, g.Node(id).Status())
		for _, dep := range g.Dependencies(id) {
			fmt.Fprintf(&b, "  -> %s\n", dep)
		}
	}
	return b.String()
}
