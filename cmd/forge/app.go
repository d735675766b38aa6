package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"forge/internal/action"
	"forge/internal/analyze"
	"forge/internal/cache"
	"forge/internal/cas"
	"forge/internal/checkpoint"
	"forge/internal/config"
	"forge/internal/driver"
	"forge/internal/errdefs"
	"forge/internal/executor"
	"forge/internal/graph"
	"forge/internal/hashing"
	"forge/internal/incremental"
	"forge/internal/sandbox"
	"forge/internal/scheduler"
	"forge/internal/target"
)

// app bundles everything one invocation needs. Built at command start,
// torn down at command end; there is no hidden module state.
type app struct {
	root string
	cfg  *config.Config

	cache    *cache.Cache
	sources  *incremental.SourceIndex
	tracker  *incremental.Tracker
	ckpt     *checkpoint.Manager
	registry *driver.Registry
	exec     *executor.Executor
	ws       driver.WorkspaceInfo
}

func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	return filepath.Abs(ws)
}

// newApp loads configuration and opens the persistent state.
func newApp() (*app, error) {
	root, err := resolveWorkspace()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, err, "resolving workspace")
	}

	cfg, err := config.Load(filepath.Join(root, ".forge", "config.yaml"))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidValue, err, "loading config")
	}
	if jobs > 0 {
		cfg.Build.Parallelism = jobs
	}
	if err := cfg.Validate(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidValue, err, "validating config")
	}

	cacheRoot := cfg.CacheRoot(root)

	blobs, err := cas.Open(filepath.Join(cacheRoot, "blobs"), cas.Options{
		VerifyOnRead: cfg.Cache.VerifyOnRead,
	})
	if err != nil {
		return nil, err
	}
	index, err := cache.OpenLocalIndex(filepath.Join(cacheRoot, "actions"))
	if err != nil {
		return nil, err
	}

	var remote *cache.RemoteTier
	if cfg.Remote.Endpoint != "" {
		remote = cache.NewRemoteTier(cache.RemoteOptions{
			Endpoint:  cfg.Remote.Endpoint,
			Token:     cfg.Remote.Token,
			GlobalRPS: cfg.Remote.GlobalRPS,
			PerOpRPS:  cfg.Remote.PerEndpointRPS,
		})
	}

	platform := runtime.GOOS + "/" + runtime.GOARCH
	c := cache.New(index, blobs, remote, cache.Options{
		Metadata: map[string]string{"platform": platform},
	})

	sources, err := incremental.OpenSourceIndex(filepath.Join(cacheRoot, "sources"))
	if err != nil {
		c.Close()
		return nil, err
	}

	registry := driver.NewRegistry()
	registry.Register(&driver.Generic{})

	a := &app{
		root:     root,
		cfg:      cfg,
		cache:    c,
		sources:  sources,
		tracker:  incremental.NewTracker(sources, root),
		ckpt:     checkpoint.NewManager(cacheRoot, cfg.GetCheckpointMaxAge(), cfg.Build.CheckpointEnabled),
		registry: registry,
		ws: driver.WorkspaceInfo{
			Root:      root,
			OutputDir: cfg.Workspace.OutputDir,
			Platform:  platform,
		},
	}
	a.exec = executor.New(executor.Options{
		Cache:          c,
		Sandbox:        sandbox.New(),
		Policies:       checkpoint.DefaultPolicies(cfg.Build.RetryEnabled),
		WorkspaceRoot:  root,
		DefaultTimeout: cfg.GetActionTimeout(),
		Determinism:    cfg.Build.Determinism,
	})
	return a, nil
}

func (a *app) close() {
	a.cache.Close()
	a.sources.Close()
}

// loadGraph analyzes the workspace into the full target graph.
func (a *app) loadGraph() (*graph.Graph, error) {
	// Dot-directories (.forge included) are skipped by the loader itself.
	files, err := analyze.LoadWorkspace(a.root, []string{a.cfg.Workspace.OutputDir})
	if err != nil {
		return nil, err
	}
	return analyze.New(a.root).Analyze(files)
}

// sliceGraph narrows the graph to the requested labels plus their
// transitive dependencies. Empty labels keep the whole graph.
func (a *app) sliceGraph(g *graph.Graph, labels []string) (*graph.Graph, error) {
	if len(labels) == 0 {
		return g, nil
	}
	for _, label := range labels {
		if g.Node(label) == nil {
			return nil, errdefs.New(errdefs.KindTargetNotFound, "no target %q", label)
		}
	}
	wanted := g.TransitiveDependencies(labels)
	var targets []*target.Target
	for _, id := range wanted {
		targets = append(targets, g.Node(id).Target)
	}
	return graph.Build(targets)
}

// newScheduler builds a scheduler over a graph with the app's wiring.
func (a *app) newScheduler(g *graph.Graph) *scheduler.Scheduler {
	return scheduler.New(g, scheduler.Options{
		Executor:    a.exec,
		Registry:    a.registry,
		Workspace:   a.ws,
		Parallelism: a.cfg.Jobs(),
		FailFast:    a.cfg.Build.FailFast,
	})
}

// actionsFor derives the concrete action of every node (for verify).
func (a *app) actionsFor(g *graph.Graph) (map[string]*action.Action, error) {
	out := make(map[string]*action.Action, g.Len())
	for _, n := range g.Nodes() {
		act, err := driver.BuildActionFor(a.registry, g, n, a.ws)
		if err != nil {
			return nil, err
		}
		out[n.ID()] = act
	}
	return out, nil
}

// scanSources hashes every source in the graph and returns the changes
// plus per-target source hashes.
func (a *app) scanSources(g *graph.Graph) ([]incremental.Change, []incremental.SourceRecord, map[string]hashing.Digest, error) {
	seen := make(map[string]bool)
	var all []string
	for _, n := range g.Nodes() {
		for _, s := range n.Target.Sources {
			if !seen[s] {
				seen[s] = true
				all = append(all, s)
			}
		}
	}

	changes, records, err := a.tracker.Scan(all)
	if err != nil {
		return nil, nil, nil, err
	}

	perTarget := make(map[string]hashing.Digest, g.Len())
	for _, n := range g.Nodes() {
		set := make(map[string]bool, len(n.Target.Sources))
		for _, s := range n.Target.Sources {
			set[s] = true
		}
		perTarget[n.ID()] = incremental.TargetSourceHash(records, set)
	}
	return changes, records, perTarget, nil
}

// recordImports feeds driver-discovered file-level dependencies into the
// source index. Failures are logged, never fatal: import analysis only
// sharpens invalidation, it cannot block a build.
func (a *app) recordImports(g *graph.Graph) {
	for _, n := range g.Nodes() {
		d, err := a.registry.Get(n.Target.Language)
		if err != nil {
			continue
		}
		records, err := d.AnalyzeImports(n.Target.Sources)
		if err != nil {
			logger.Warn("import analysis failed", zap.String("target", n.ID()), zap.Error(err))
			continue
		}
		bySource := make(map[string][]string)
		for _, r := range records {
			bySource[r.Source] = append(bySource[r.Source], r.Dep)
		}
		for src, deps := range bySource {
			if err := a.tracker.RecordImports(src, deps); err != nil {
				logger.Warn("import recording failed", zap.String("source", src), zap.Error(err))
			}
		}
	}
}

// gc runs the post-build eviction pass when a size bound is configured.
func (a *app) gc() {
	if maxBytes := a.cfg.CacheMaxBytes(); maxBytes > 0 {
		if _, err := a.cache.Evict(maxBytes, a.cfg.GetCheckpointMaxAge()); err != nil {
			logger.Warn("cache eviction failed", zap.Error(err))
		}
	}
}

// saveOrClearCheckpoint persists resume state on failure, clears it on
// full success.
func (a *app) saveOrClearCheckpoint(g *graph.Graph, sum *scheduler.Summary, perTarget map[string]hashing.Digest) {
	if sum.Failed > 0 || sum.Drained {
		if err := a.ckpt.Save(checkpoint.Capture(g, perTarget)); err != nil {
			logger.Warn("checkpoint save failed", zap.Error(err))
		}
		return
	}
	if err := a.ckpt.Clear(); err != nil {
		logger.Warn("checkpoint clear failed", zap.Error(err))
	}
}

// cmdContext is the root context for command execution.
func cmdContext() context.Context {
	return context.Background()
}

// certPath is where verification certificates land.
func (a *app) certPath() string {
	return filepath.Join(a.cfg.CacheRoot(a.root), "verify", time.Now().UTC().Format("20060102T150405Z")+".json")
}
