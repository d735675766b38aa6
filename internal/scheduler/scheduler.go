// Package scheduler coordinates a build: it tracks readiness over the
// graph, dispatches batches of ready actions to the worker pool, applies
// completions, and stops when nothing is ready and nothing is active.
//
// One scheduler goroutine plus N pool workers. The scheduler mutex
// serializes the compound "collect ready + mark Building" operation and
// the application of results; node status reads inside the graph stay
// lock-free.
package scheduler

import (
	"context"
	"runtime"
	"sync"

	"forge/internal/action"
	"forge/internal/driver"
	"forge/internal/errdefs"
	"forge/internal/executor"
	"forge/internal/graph"
	"forge/internal/logging"
)

// Summary reports one build invocation.
type Summary struct {
	Succeeded int
	Cached    int
	Failed    int

	// FailedTargets lists labels that ended Failed, with their errors.
	FailedTargets map[string]string

	// Drained reports the build stopped early (interrupt or fail-fast).
	Drained bool
}

// OK reports whether every scheduled target completed.
func (s *Summary) OK() bool {
	return s.Failed == 0 && !s.Drained
}

// Options configures a scheduler.
type Options struct {
	Executor    *executor.Executor
	Registry    *driver.Registry
	Workspace   driver.WorkspaceInfo
	Parallelism int
	FailFast    bool
}

// Scheduler drives one build invocation over a graph.
type Scheduler struct {
	g    *graph.Graph
	exec *executor.Executor
	reg  *driver.Registry
	ws   driver.WorkspaceInfo

	parallelism int
	failFast    bool

	mu       sync.Mutex
	cond     *sync.Cond
	active   int
	draining bool
	fatal    error

	summary Summary
}

// New creates a scheduler for one graph.
func New(g *graph.Graph, opts Options) *Scheduler {
	if opts.Parallelism < 1 {
		opts.Parallelism = runtime.NumCPU()
	}
	s := &Scheduler{
		g:           g,
		exec:        opts.Executor,
		reg:         opts.Registry,
		ws:          opts.Workspace,
		parallelism: opts.Parallelism,
		failFast:    opts.FailFast,
	}
	s.cond = sync.NewCond(&s.mu)
	s.summary.FailedTargets = make(map[string]string)
	return s
}

// Run executes the build until completion, cancellation, or a fatal
// error. Graph and configuration errors abort; build failures are
// recorded per target.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	timer := logging.StartTimer(logging.CategorySched, "build")
	defer timer.Stop()

	pool := NewPool(ctx, s.parallelism, s.runJob, s.applyResult)
	defer pool.Close()

	// Cancellation watcher: flips draining and wakes the main loop.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.draining = true
			s.mu.Unlock()
			s.cond.Broadcast()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.fatal != nil {
			return nil, s.fatal
		}

		if !s.draining {
			batch, err := s.collectBatchLocked()
			if err != nil {
				return nil, err
			}
			if len(batch) > 0 {
				logging.SchedDebug("dispatching batch of %d (active=%d)", len(batch), s.active)
				s.mu.Unlock()
				pool.Submit(batch)
				s.mu.Lock()
				continue
			}
		}

		if s.active == 0 {
			if s.draining || len(s.g.ReadyNodes()) == 0 {
				break
			}
		}
		s.cond.Wait()
	}

	s.summary.Drained = s.draining
	logging.Sched("build done: %d built, %d cached, %d failed",
		s.summary.Succeeded, s.summary.Cached, s.summary.Failed)
	out := s.summary
	return &out, nil
}

// collectBatchLocked gathers every ready node, derives its action, and
// atomically marks it Building. Driver/config errors abort the build.
func (s *Scheduler) collectBatchLocked() ([]Job, error) {
	ready := s.g.ReadyNodes()
	if len(ready) == 0 {
		return nil, nil
	}

	var batch []Job
	for _, n := range ready {
		act, err := s.actionFor(n)
		if err != nil {
			// Configuration-category failure: abort the whole build.
			return nil, err
		}
		if _, err := s.g.Mark(n.ID(), graph.StatusBuilding); err != nil {
			return nil, err
		}
		s.active++
		batch = append(batch, Job{Node: n, Action: act})
	}
	return batch, nil
}

func (s *Scheduler) actionFor(n *graph.Node) (*action.Action, error) {
	act, err := driver.BuildActionFor(s.reg, s.g, n, s.ws)
	if err != nil {
		if be, ok := err.(*errdefs.BuildError); ok {
			return nil, be.WithTarget(n.ID())
		}
		return nil, err
	}
	return act, nil
}

// runJob executes one job unless the scheduler is draining; drained jobs
// report as canceled failures without touching the executor.
func (s *Scheduler) runJob(ctx context.Context, job Job) executor.Result {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		return executor.Result{
			TargetID: job.Node.ID(),
			Status:   graph.StatusFailed,
			Err:      errdefs.New(errdefs.KindProcessTimeout, "%s: build draining", job.Node.ID()),
		}
	}
	return s.exec.Execute(ctx, job.Node, job.Action)
}

// applyResult is the pool's completion callback: apply the status under
// the scheduler mutex, decrement the active counter, wake the loop.
func (s *Scheduler) applyResult(job Job, res executor.Result) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.cond.Broadcast()
	}()

	s.active--

	if _, err := s.g.Mark(job.Node.ID(), res.Status); err != nil {
		// A broken transition is an internal invariant failure.
		s.fatal = err
		return
	}

	switch res.Status {
	case graph.StatusSuccess:
		s.summary.Succeeded++
		job.Node.SetOutputHash(res.OutputHash)
	case graph.StatusCached:
		s.summary.Cached++
		job.Node.SetOutputHash(res.OutputHash)
	case graph.StatusFailed:
		s.summary.Failed++
		msg := "unknown failure"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		job.Node.SetError(msg)
		s.summary.FailedTargets[job.Node.ID()] = msg
		logging.Get(logging.CategorySched).Error("%s failed: %s", job.Node.ID(), msg)
		if s.failFast {
			s.draining = true
		}
	default:
		s.fatal = errdefs.New(errdefs.KindInternal,
			"worker returned non-terminal status %s for %s", res.Status, job.Node.ID())
	}
}
