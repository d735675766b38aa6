package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"forge/internal/action"
	"forge/internal/executor"
	"forge/internal/graph"
)

// Job is one unit handed to the pool: a Building node and its action.
type Job struct {
	Node   *graph.Node
	Action *action.Action
}

// batch is one scheduler submission. The job array is fixed at submit
// time; workers claim slots with an atomic fetch-add, no lock involved.
// Results land in pre-allocated slots indexed by the claimed job number.
type batch struct {
	jobs    []Job
	next    atomic.Int64
	results []executor.Result
	done    []atomic.Bool
}

func (b *batch) exhausted() bool {
	return b.next.Load() >= int64(len(b.jobs))
}

// Pool is the persistent worker pool. Batches are posted under the pool
// mutex; within a batch, workers steal jobs through the shared atomic
// index without coordinator involvement.
type Pool struct {
	run        func(context.Context, Job) executor.Result
	onComplete func(Job, executor.Result)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*batch
	closed bool

	wg sync.WaitGroup
}

// NewPool starts n persistent workers. run executes one job; onComplete
// fires after the result is written to its slot.
func NewPool(ctx context.Context, n int, run func(context.Context, Job) executor.Result, onComplete func(Job, executor.Result)) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{run: run, onComplete: onComplete}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker(ctx)
	}
	return p
}

// Submit posts a batch. Safe to call while earlier batches are still in
// flight; workers drain batches in submission order.
func (p *Pool) Submit(jobs []Job) {
	if len(jobs) == 0 {
		return
	}
	b := &batch{
		jobs:    jobs,
		results: make([]executor.Result, len(jobs)),
	}
	b.done = make([]atomic.Bool, len(jobs))

	p.mu.Lock()
	p.queue = append(p.queue, b)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Close stops the workers after in-flight jobs finish. Unclaimed jobs in
// queued batches are abandoned.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// worker claims jobs until the pool closes. The claim itself is the
// atomic fetch-add on the current batch; the mutex is touched only to
// pick up the next batch or to sleep when there is none.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	var cur *batch
	for {
		if cur != nil {
			idx := cur.next.Add(1) - 1
			if idx < int64(len(cur.jobs)) {
				job := cur.jobs[idx]
				res := p.run(ctx, job)
				cur.results[idx] = res
				cur.done[idx].Store(true)
				p.onComplete(job, res)
				continue
			}
			cur = nil
		}

		p.mu.Lock()
		for !p.closed && len(p.queue) == 0 {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		cur = p.queue[0]
		if cur.exhausted() {
			// Another worker claimed the tail; drop the spent batch.
			p.queue = p.queue[1:]
			cur = nil
		}
		p.mu.Unlock()
	}
}
