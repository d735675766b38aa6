package incremental

import (
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"forge/internal/graph"
	"forge/internal/hashing"
	"forge/internal/logging"
)

// Strategy selects how aggressively changes invalidate.
type Strategy string

const (
	// StrategyFull invalidates everything.
	StrategyFull Strategy = "full"

	// StrategyIncremental invalidates changed sources plus their
	// transitive dependents. The default.
	StrategyIncremental Strategy = "incremental"

	// StrategyMinimal invalidates only directly-changed sources; callers
	// accept that downstream may be stale. Intended for testing.
	StrategyMinimal Strategy = "minimal"
)

// Change describes one source whose identity moved since last
// invocation.
type Change struct {
	Path    string
	OldHash hashing.Digest
	NewHash hashing.Digest
	IsNew   bool
}

// Tracker computes minimal rebuild sets over a source index.
type Tracker struct {
	index *SourceIndex
	root  string
}

// NewTracker returns a tracker rooted at the workspace.
func NewTracker(index *SourceIndex, root string) *Tracker {
	return &Tracker{index: index, root: root}
}

// hashConcurrency bounds parallel file hashing.
const hashConcurrency = 8

// Scan compares every given source against its recorded state using the
// metadata fast path (matching metadata hash skips the content rehash)
// and returns the changed set plus the fresh records for all sources.
func (t *Tracker) Scan(sources []string) ([]Change, []SourceRecord, error) {
	timer := logging.StartTimer(logging.CategoryIncremental, "source scan")
	defer timer.Stop()

	var (
		mu      sync.Mutex
		changes []Change
		records = make([]SourceRecord, len(sources))
	)

	g := new(errgroup.Group)
	g.SetLimit(hashConcurrency)

	for i, src := range sources {
		g.Go(func() error {
			abs := filepath.Join(t.root, filepath.FromSlash(src))

			meta, err := hashing.StatMetadata(abs)
			if err != nil {
				return err
			}
			metaHash := meta.Hash()

			prior, err := t.index.Get(src)
			if err != nil {
				return err
			}

			// Fast path: metadata unchanged implies content unchanged.
			if prior != nil && prior.MetaHash == metaHash {
				records[i] = *prior
				return nil
			}

			content, size, err := hashing.HashFile(abs)
			if err != nil {
				return err
			}
			records[i] = SourceRecord{Path: src, ContentHash: content, MetaHash: metaHash, Size: size}

			if prior == nil {
				mu.Lock()
				changes = append(changes, Change{Path: src, NewHash: content, IsNew: true})
				mu.Unlock()
				return nil
			}
			if prior.ContentHash != content {
				mu.Lock()
				changes = append(changes, Change{Path: src, OldHash: prior.ContentHash, NewHash: content})
				mu.Unlock()
			}
			// Metadata moved but content did not: record the new
			// metadata, no invalidation.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, records, nil
}

// Commit persists the post-build source records.
func (t *Tracker) Commit(records []SourceRecord) error {
	return t.index.PutAll(records)
}

// RecordImports stores driver-reported per-source dependencies.
func (t *Tracker) RecordImports(source string, deps []string) error {
	return t.index.ReplaceDeps(source, deps)
}

// AffectedSources expands directly-changed sources to the transitive
// closure of sources depending on them (per the recorded dependency
// map).
func (t *Tracker) AffectedSources(changed []Change) ([]string, error) {
	seen := make(map[string]bool)
	var stack []string
	for _, c := range changed {
		if !seen[c.Path] {
			seen[c.Path] = true
			stack = append(stack, c.Path)
		}
	}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dependents, err := t.index.Dependents(cur)
		if err != nil {
			return nil, err
		}
		for _, d := range dependents {
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// InvalidatedTargets maps affected sources onto the targets containing
// them and applies the strategy:
//
//	Full:        every target
//	Incremental: targets of affected sources, plus transitive dependents
//	Minimal:     targets of directly-changed sources only
func (t *Tracker) InvalidatedTargets(g *graph.Graph, changed []Change, strategy Strategy) (map[string]bool, error) {
	invalidated := make(map[string]bool)

	if strategy == StrategyFull {
		for _, n := range g.Nodes() {
			invalidated[n.ID()] = true
		}
		return invalidated, nil
	}

	var affected []string
	switch strategy {
	case StrategyMinimal:
		for _, c := range changed {
			affected = append(affected, c.Path)
		}
	default:
		var err error
		affected, err = t.AffectedSources(changed)
		if err != nil {
			return nil, err
		}
	}

	affectedSet := make(map[string]bool, len(affected))
	for _, s := range affected {
		affectedSet[s] = true
	}

	// Containing targets.
	for _, n := range g.Nodes() {
		for _, src := range n.Target.Sources {
			if affectedSet[src] {
				invalidated[n.ID()] = true
				break
			}
		}
	}

	if strategy == StrategyIncremental {
		var seeds []string
		for id := range invalidated {
			seeds = append(seeds, id)
		}
		for _, id := range g.TransitiveDependents(seeds) {
			invalidated[id] = true
		}
	}

	logging.Get(logging.CategoryIncremental).Info("%d changed sources invalidate %d targets (%s)",
		len(changed), len(invalidated), strategy)
	return invalidated, nil
}

// TargetSourceHash digests a target's recorded source hashes, for
// checkpoint validation.
func TargetSourceHash(records []SourceRecord, t map[string]bool) hashing.Digest {
	var paths []string
	byPath := make(map[string]hashing.Digest)
	for _, r := range records {
		if t[r.Path] {
			paths = append(paths, r.Path)
			byPath[r.Path] = r.ContentHash
		}
	}
	sort.Strings(paths)

	enc := hashing.NewEncoder()
	for _, p := range paths {
		enc.String(p)
		enc.Digest(byPath[p])
	}
	return enc.Sum()
}
