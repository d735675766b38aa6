// Package executor runs one action end-to-end: fingerprint, cache probe,
// sandboxed execution, output capture into the blob store, cache entry
// insertion. Transient failures are retried here according to the policy
// table; build failures are converted to node failures and never retried.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forge/internal/action"
	"forge/internal/cache"
	"forge/internal/checkpoint"
	"forge/internal/config"
	"forge/internal/errdefs"
	"forge/internal/graph"
	"forge/internal/hashing"
	"forge/internal/logging"
	"forge/internal/sandbox"
)

// Result is what one action execution reports back to the scheduler.
type Result struct {
	TargetID string

	// Status is Success, Cached, or Failed.
	Status graph.Status

	// Err carries the failure when Status is Failed.
	Err error

	// Fingerprint is the action key that was probed/inserted.
	Fingerprint hashing.Digest

	// OutputHash digests the output manifest (for the node record).
	OutputHash hashing.Digest

	// Attempts counts executions performed (1 for first-try success).
	Attempts int

	// Duration is wall time across all attempts.
	Duration time.Duration
}

// Executor executes actions.
type Executor struct {
	cache    *cache.Cache
	sandbox  sandbox.Sandbox
	policies *checkpoint.Policies

	// root is the workspace root all action paths resolve against.
	root string

	// defaultTimeout applies when an action declares none.
	defaultTimeout time.Duration

	determinism config.DeterminismMode
}

// Options assembles an executor.
type Options struct {
	Cache          *cache.Cache
	Sandbox        sandbox.Sandbox
	Policies       *checkpoint.Policies
	WorkspaceRoot  string
	DefaultTimeout time.Duration
	Determinism    config.DeterminismMode
}

// New returns an executor.
func New(opts Options) *Executor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	return &Executor{
		cache:          opts.Cache,
		sandbox:        opts.Sandbox,
		policies:       opts.Policies,
		root:           opts.WorkspaceRoot,
		defaultTimeout: opts.DefaultTimeout,
		determinism:    opts.Determinism,
	}
}

// Execute runs one action for one node. The node is already Building;
// this function never touches node status, only the retry counter.
func (e *Executor) Execute(ctx context.Context, node *graph.Node, act *action.Action) Result {
	started := time.Now()
	res := Result{TargetID: act.TargetID}
	defer func() { res.Duration = time.Since(started) }()

	if err := act.Validate(); err != nil {
		res.Status = graph.StatusFailed
		res.Err = err
		return res
	}

	// 1. Hash inputs and compute the action key.
	inputDigests, err := e.hashInputs(act)
	if err != nil {
		res.Status = graph.StatusFailed
		res.Err = err
		return res
	}
	fp := cache.Fingerprint(act, inputDigests)
	res.Fingerprint = fp

	// 2. Cache probe. Backoff directives and lookup trouble degrade to a
	// miss; only a validated hit short-circuits.
	entry, err := e.cache.Lookup(ctx, fp)
	if err != nil {
		var bo *cache.BackoffError
		if !errors.As(err, &bo) {
			logging.ExecDebug("cache lookup %s: %v (treating as miss)", fp, err)
		}
	}
	if entry != nil {
		if err := e.materialize(entry); err == nil {
			res.Status = graph.StatusCached
			res.Attempts = 0
			res.OutputHash = manifestHash(entry)
			logging.Exec("%s: cache hit %s", act.TargetID, fp)
			return res
		}
		// Materialization failure invalidates the entry and falls
		// through to a real build.
		logging.Get(logging.CategoryExec).Warn("%s: materialization failed, rebuilding", act.TargetID)
		e.cache.Invalidate(fp)
	}

	// 3-7. Execute with per-kind transient retry.
	outcome, attempts, err := e.executeWithRetry(ctx, node, act)
	res.Attempts = attempts
	if err != nil {
		res.Status = graph.StatusFailed
		res.Err = err
		return res
	}
	if outcome.ExitCode != 0 {
		res.Status = graph.StatusFailed
		res.Err = buildFailure(act, outcome)
		return res
	}

	// Capture outputs into the store and record the entry.
	newEntry, err := e.captureOutputs(ctx, act, fp)
	if err != nil {
		res.Status = graph.StatusFailed
		res.Err = err
		return res
	}

	// Determinism enforcement: re-run and compare.
	if e.determinism != config.DeterminismOff && e.determinism != "" {
		if err := e.verifyDeterminism(ctx, act, newEntry); err != nil {
			if e.determinism == config.DeterminismStrict {
				e.cache.Invalidate(fp)
				res.Status = graph.StatusFailed
				res.Err = err
				return res
			}
			logging.Get(logging.CategoryExec).Warn("%s: %v", act.TargetID, err)
		}
	}

	res.Status = graph.StatusSuccess
	res.OutputHash = manifestHash(newEntry)
	logging.Exec("%s: built in %s (%d attempts)", act.TargetID, res.Duration, attempts)
	return res
}

// executeWithRetry runs the sandboxed command, retrying transient error
// kinds per the policy table with exponential backoff and jitter.
func (e *Executor) executeWithRetry(ctx context.Context, node *graph.Node, act *action.Action) (*sandbox.Outcome, int, error) {
	attempts := 0
	for {
		attempts++
		outcome, err := e.runOnce(ctx, act)
		if err == nil {
			return outcome, attempts, nil
		}

		policy, retryable := e.policies.For(err)
		if !retryable || attempts >= policy.MaxAttempts {
			return nil, attempts, err
		}

		node.IncrementAttempts()
		delay := policy.Delay(attempts)
		logging.Get(logging.CategoryRetry).Info("%s: attempt %d failed (%s), retrying in %s",
			act.TargetID, attempts, errdefs.KindOf(err), delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, attempts, errdefs.Wrap(errdefs.KindProcessTimeout, ctx.Err(), "%s retry canceled", act.TargetID)
		}
	}
}

// runOnce prepares a sandbox, executes, and always tears down.
func (e *Executor) runOnce(ctx context.Context, act *action.Action) (*sandbox.Outcome, error) {
	environ := act.Env
	if e.determinism != config.DeterminismOff && e.determinism != "" {
		environ = deterministicEnv(environ)
	}

	env, err := e.sandbox.Prepare(e.specFor(act, environ))
	if err != nil {
		return nil, err
	}
	defer env.Teardown()

	if e.determinism == config.DeterminismStrict && !env.Hermetic() {
		return nil, errdefs.New(errdefs.KindSandboxSetup,
			"strict determinism requires a hermetic sandbox; %s degraded", e.sandbox.Name())
	}

	timeout := act.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	return env.Execute(ctx, act.Command, environ, timeout)
}

// specFor maps the action's I/O declaration onto a sandbox spec with
// workspace-resolved paths. The allowlist covers exactly the variables
// being passed: nothing else can leak in.
func (e *Executor) specFor(act *action.Action, environ map[string]string) *sandbox.Spec {
	allow := make([]string, 0, len(environ))
	for k := range environ {
		allow = append(allow, k)
	}
	spec := &sandbox.Spec{
		WorkDir:          e.root,
		NetworkEndpoints: act.NetworkEndpoints,
		EnvAllowlist:     allow,
		Limits:           act.Limits,
	}
	for _, in := range act.Inputs {
		spec.Inputs = append(spec.Inputs, e.abs(in.Path))
	}
	for _, out := range act.Outputs {
		spec.Outputs = append(spec.Outputs, e.abs(out))
	}
	return spec
}

func (e *Executor) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.root, p)
}

// hashInputs content-hashes every declared input.
func (e *Executor) hashInputs(act *action.Action) (map[string]hashing.Digest, error) {
	out := make(map[string]hashing.Digest, len(act.Inputs))
	for _, in := range act.Inputs {
		d, _, err := hashing.HashFile(e.abs(in.Path))
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindIO, err, "hashing input %s of %s", in.Path, act.TargetID)
		}
		out[in.Path] = d
	}
	return out, nil
}

// captureOutputs hashes and stores every declared output, then inserts
// the cache entry. A declared output the command did not produce is a
// build failure.
func (e *Executor) captureOutputs(ctx context.Context, act *action.Action, fp hashing.Digest) (*cache.Entry, error) {
	entry := &cache.Entry{
		Fingerprint: fp.String(),
		Metadata: map[string]string{
			"tool_version": act.ToolVersion,
			"platform":     act.Platform,
		},
		CreatedAt: time.Now(),
	}

	for _, out := range act.Outputs {
		path := e.abs(out)
		if _, err := os.Stat(path); err != nil {
			return nil, errdefs.New(errdefs.KindCompileFailed,
				"%s: declared output %s was not produced", act.TargetID, out).WithTarget(act.TargetID)
		}
		d, err := e.cache.Blobs().PutFile(path)
		if err != nil {
			return nil, err
		}
		size, _ := e.cache.Blobs().Size(d)
		entry.Outputs = append(entry.Outputs, cache.OutputRecord{Path: out, Digest: d.String(), Size: size})
	}

	if err := e.cache.Insert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// materialize places a cache entry's blobs at their declared workspace
// paths, hard-linking where the filesystem allows.
func (e *Executor) materialize(entry *cache.Entry) error {
	for _, o := range entry.Outputs {
		d, err := hashing.Parse(o.Digest)
		if err != nil {
			return errdefs.Wrap(errdefs.KindCacheCorrupted, err, "entry output digest")
		}
		if err := e.cache.Blobs().LinkTo(d, e.abs(o.Path)); err != nil {
			return err
		}
	}
	return nil
}

// verifyDeterminism re-runs the action and compares output digests
// file by file.
func (e *Executor) verifyDeterminism(ctx context.Context, act *action.Action, first *cache.Entry) error {
	outcome, err := e.runOnce(ctx, act)
	if err != nil {
		return errdefs.Wrap(errdefs.KindDeterminismViolation, err, "%s: determinism re-run failed", act.TargetID)
	}
	if outcome.ExitCode != 0 {
		return errdefs.New(errdefs.KindDeterminismViolation,
			"%s: determinism re-run exited %d", act.TargetID, outcome.ExitCode)
	}

	var diffs []string
	for _, o := range first.Outputs {
		d, _, err := hashing.HashFile(e.abs(o.Path))
		if err != nil {
			return errdefs.Wrap(errdefs.KindDeterminismViolation, err, "%s: rehashing %s", act.TargetID, o.Path)
		}
		if d.String() != o.Digest {
			diffs = append(diffs, fmt.Sprintf("%s: %s -> %s", o.Path, o.Digest[:12], d.String()[:12]))
		}
	}
	if len(diffs) > 0 {
		return errdefs.New(errdefs.KindDeterminismViolation,
			"%s: outputs differ across runs: %v", act.TargetID, diffs).WithTarget(act.TargetID)
	}
	return nil
}

// deterministicEnv pins the ambient variance actions commonly leak:
// timestamps and locale. The values are fixed, not sampled.
func deterministicEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+3)
	for k, v := range env {
		out[k] = v
	}
	out["SOURCE_DATE_EPOCH"] = "315532800" // 1980-01-01, the zip epoch
	out["TZ"] = "UTC"
	out["LC_ALL"] = "C"
	return out
}

// buildFailure shapes a non-zero exit into a build-category error with
// the captured stderr as snippet context.
func buildFailure(act *action.Action, outcome *sandbox.Outcome) error {
	kind := errdefs.KindCompileFailed
	snippet := outcome.Stderr
	if len(snippet) > 2048 {
		snippet = snippet[:2048] + "\n[truncated]"
	}
	return errdefs.New(kind, "%s: command exited %d", act.TargetID, outcome.ExitCode).
		WithTarget(act.TargetID).
		WithSnippet(snippet)
}

// manifestHash digests an entry's output list.
func manifestHash(entry *cache.Entry) hashing.Digest {
	enc := hashing.NewEncoder()
	for _, o := range entry.Outputs {
		enc.String(o.Path)
		enc.String(o.Digest)
	}
	return enc.Sum()
}
