package driver

import (
	"forge/internal/action"
	"forge/internal/graph"
)

// BuildActionFor derives a node's concrete action and appends the
// declared outputs of its direct dependencies as dep_output inputs.
// That wiring is what makes invalidation transitive: when a dependency
// rebuilds, its output hashes change, so every dependent's fingerprint
// changes with them.
func BuildActionFor(reg *Registry, g *graph.Graph, n *graph.Node, ws WorkspaceInfo) (*action.Action, error) {
	d, err := reg.Get(n.Target.Language)
	if err != nil {
		return nil, err
	}
	act, err := d.BuildAction(n.Target, ws)
	if err != nil {
		return nil, err
	}

	for _, depID := range g.Dependencies(n.ID()) {
		depNode := g.Node(depID)
		dd, err := reg.Get(depNode.Target.Language)
		if err != nil {
			return nil, err
		}
		outs, err := dd.DeclaredOutputs(depNode.Target, ws)
		if err != nil {
			return nil, err
		}
		for _, out := range outs {
			act.Inputs = append(act.Inputs, action.InputSpec{Path: out, Kind: action.InputDepOutput})
		}
	}
	return act, nil
}
