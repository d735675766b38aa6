// Package analyze transforms raw target declarations into the immutable
// target graph: glob expansion, reference resolution, per-declaration
// validation, and the final cycle check. External (ecosystem) dependencies
// discovered by language drivers feed the incremental subsystem and never
// become graph edges.
package analyze

import (
	"fmt"

	"forge/internal/errdefs"
	"forge/internal/graph"
	"forge/internal/logging"
	"forge/internal/target"
)

// Analyzer turns declarations into a graph.
type Analyzer struct {
	root string
}

// New returns an analyzer rooted at the workspace.
func New(root string) *Analyzer {
	return &Analyzer{root: root}
}

// Analyze builds the graph from parsed declaration files.
func (a *Analyzer) Analyze(files []*DeclFile) (*graph.Graph, error) {
	timer := logging.StartTimer(logging.CategoryAnalyze, "workspace analysis")
	defer timer.Stop()

	targets, err := a.buildTargets(files)
	if err != nil {
		return nil, err
	}

	declared := make(map[string]bool, len(targets))
	var ids []string
	for _, t := range targets {
		declared[t.ID] = true
		ids = append(ids, t.ID)
	}

	// Resolve every dependency reference before graph construction so
	// unknown targets surface with suggestions instead of a bare
	// missing-edge error.
	for _, t := range targets {
		for _, dep := range t.Deps {
			if !declared[dep] {
				return nil, errdefs.New(errdefs.KindTargetNotFound, "no target %q", dep).
					WithTarget(t.ID).
					WithSuggestions(suggest(dep, ids)...)
			}
		}
	}

	g, err := graph.Build(targets)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryAnalyze).Info("analyzed %d declaration files into %d targets", len(files), len(targets))
	return g, nil
}

// buildTargets expands and validates each declaration.
func (a *Analyzer) buildTargets(files []*DeclFile) ([]*target.Target, error) {
	var targets []*target.Target

	for _, df := range files {
		for i := range df.Targets {
			d := &df.Targets[i]

			if d.Name == "" {
				return nil, errdefs.New(errdefs.KindMissingField,
					"declaration %d in package %q has no name", i, df.Package).WithLocation(df.Path, 0, 0)
			}
			id := fmt.Sprintf("//%s:%s", df.Package, d.Name)

			kind, err := target.ParseKind(d.Kind)
			if err != nil {
				if d.Kind == "" {
					return nil, errdefs.New(errdefs.KindMissingField, "target %s has no kind", id).
						WithTarget(id).WithLocation(df.Path, 0, 0)
				}
				return nil, err
			}

			if len(d.Sources) == 0 {
				return nil, errdefs.New(errdefs.KindMissingField, "target %s declares no sources", id).
					WithTarget(id).WithLocation(df.Path, 0, 0)
			}
			sources, err := expandGlobs(a.root, df.Package, d.Sources)
			if err != nil {
				return nil, err
			}
			if len(sources) == 0 {
				return nil, errdefs.New(errdefs.KindMissingField,
					"target %s: sources %v matched no files", id, d.Sources).WithTarget(id)
			}

			deps, err := resolveDeps(id, df.Package, d.Deps)
			if err != nil {
				return nil, err
			}

			language := d.Language
			if language == "" {
				language = "generic"
			}

			t := &target.Target{
				ID:         id,
				Kind:       kind,
				Language:   language,
				Sources:    sources,
				Deps:       deps,
				OutputPath: d.OutputPath,
				Config:     d.Config,
			}
			if err := t.Validate(); err != nil {
				return nil, err
			}
			targets = append(targets, t)
		}
	}
	return targets, nil
}

// resolveDeps canonicalizes dependency references against the declaring
// package.
func resolveDeps(id, pkg string, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		lbl, err := target.ParseLabel(ref)
		if err != nil {
			if be, ok := err.(*errdefs.BuildError); ok {
				return nil, be.WithTarget(id)
			}
			return nil, err
		}
		out = append(out, lbl.Resolve(pkg).String())
	}
	return out, nil
}
