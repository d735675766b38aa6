//go:build !windows

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge/internal/action"
	"forge/internal/cache"
	"forge/internal/cas"
	"forge/internal/checkpoint"
	"forge/internal/config"
	"forge/internal/errdefs"
	"forge/internal/graph"
	"forge/internal/sandbox"
	"forge/internal/target"
)

// harness wires a real cache and the portable sandbox into an executor
// rooted at a temp workspace.
type harness struct {
	exec *Executor
	c    *cache.Cache
	root string
}

func newHarness(t *testing.T, determinism config.DeterminismMode) *harness {
	t.Helper()
	root := t.TempDir()

	idx, err := cache.OpenLocalIndex(filepath.Join(root, ".forge", "cache", "actions"))
	require.NoError(t, err)
	blobs, err := cas.Open(filepath.Join(root, ".forge", "cache", "blobs"), cas.Options{})
	require.NoError(t, err)
	c := cache.New(idx, blobs, nil, cache.Options{})
	t.Cleanup(func() { c.Close() })

	return &harness{
		exec: New(Options{
			Cache:          c,
			Sandbox:        sandbox.New(),
			Policies:       checkpoint.DefaultPolicies(true),
			WorkspaceRoot:  root,
			DefaultTimeout: 30 * time.Second,
			Determinism:    determinism,
		}),
		c:    c,
		root: root,
	}
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(h.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// copyAction declares an action that copies its input to its output.
func copyAction(id, in, out string) *action.Action {
	return &action.Action{
		TargetID: id,
		Command:  []string{"/bin/sh", "-c", "cp " + in + " " + out},
		Env:      map[string]string{"PATH": "/usr/bin:/bin"},
		Inputs:   []action.InputSpec{{Path: in, Kind: action.InputSource}},
		Outputs:  []string{out},
		Platform: "test",
	}
}

func node(t *testing.T, id string) *graph.Node {
	t.Helper()
	g, err := graph.Build([]*target.Target{{ID: id, Kind: target.KindLibrary, Sources: []string{"s"}}})
	require.NoError(t, err)
	n := g.Node(id)
	_, err = g.Mark(id, graph.StatusBuilding)
	require.NoError(t, err)
	return n
}

func TestColdBuildThenCachedHit(t *testing.T) {
	h := newHarness(t, config.DeterminismOff)
	h.write(t, "src/in.txt", "payload")

	act := copyAction("//src:copy", "src/in.txt", "out/copy.txt")
	res := h.exec.Execute(context.Background(), node(t, "//src:copy"), act)
	require.NoError(t, res.Err)
	require.Equal(t, graph.StatusSuccess, res.Status)
	require.Equal(t, 1, res.Attempts)

	data, err := os.ReadFile(filepath.Join(h.root, "out/copy.txt"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))

	// Same inputs: second run is a cache hit, no execution.
	res2 := h.exec.Execute(context.Background(), node(t, "//src:copy"), act)
	require.NoError(t, res2.Err)
	require.Equal(t, graph.StatusCached, res2.Status)
	require.Equal(t, res.Fingerprint, res2.Fingerprint)
	require.Equal(t, res.OutputHash, res2.OutputHash)
}

func TestInputChangeMissesCache(t *testing.T) {
	h := newHarness(t, config.DeterminismOff)
	h.write(t, "src/in.txt", "v1")
	act := copyAction("//src:copy", "src/in.txt", "out/copy.txt")

	res1 := h.exec.Execute(context.Background(), node(t, "//src:copy"), act)
	require.Equal(t, graph.StatusSuccess, res1.Status)

	h.write(t, "src/in.txt", "v2")
	res2 := h.exec.Execute(context.Background(), node(t, "//src:copy"), act)
	require.Equal(t, graph.StatusSuccess, res2.Status, "changed input must rebuild")
	require.NotEqual(t, res1.Fingerprint, res2.Fingerprint)
}

func TestCommandFailureIsBuildErrorNotRetried(t *testing.T) {
	h := newHarness(t, config.DeterminismOff)
	h.write(t, "src/in.txt", "x")

	act := &action.Action{
		TargetID: "//src:bad",
		Command:  []string{"/bin/sh", "-c", "echo nope >&2; exit 1"},
		Inputs:   []action.InputSpec{{Path: "src/in.txt", Kind: action.InputSource}},
		Outputs:  []string{"out/never.txt"},
		Platform: "test",
	}
	res := h.exec.Execute(context.Background(), node(t, "//src:bad"), act)
	require.Equal(t, graph.StatusFailed, res.Status)
	require.Equal(t, errdefs.KindCompileFailed, errdefs.KindOf(res.Err))
	require.Equal(t, 1, res.Attempts, "build failures must not retry")
	require.Contains(t, res.Err.(*errdefs.BuildError).Snippet, "nope")

	// No cache entry was recorded.
	entry, err := h.c.Lookup(context.Background(), res.Fingerprint)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestMissingDeclaredOutputFails(t *testing.T) {
	h := newHarness(t, config.DeterminismOff)
	h.write(t, "src/in.txt", "x")

	act := &action.Action{
		TargetID: "//src:liar",
		Command:  []string{"/bin/sh", "-c", "true"},
		Inputs:   []action.InputSpec{{Path: "src/in.txt", Kind: action.InputSource}},
		Outputs:  []string{"out/ghost.txt"},
		Platform: "test",
	}
	res := h.exec.Execute(context.Background(), node(t, "//src:liar"), act)
	require.Equal(t, graph.StatusFailed, res.Status)
	require.Contains(t, res.Err.Error(), "was not produced")
}

func TestInputOutputOverlapRejected(t *testing.T) {
	h := newHarness(t, config.DeterminismOff)
	h.write(t, "src/io.txt", "x")

	act := copyAction("//src:overlap", "src/io.txt", "src/io.txt")
	res := h.exec.Execute(context.Background(), node(t, "//src:overlap"), act)
	require.Equal(t, graph.StatusFailed, res.Status)
	require.Equal(t, errdefs.KindInvalidValue, errdefs.KindOf(res.Err))
}

// flakySandbox fails with a transient kind a fixed number of times, then
// delegates to the real sandbox.
type flakySandbox struct {
	real      sandbox.Sandbox
	remaining atomic.Int32
}

func (f *flakySandbox) Name() string { return "flaky" }

func (f *flakySandbox) Prepare(spec *sandbox.Spec) (sandbox.Environment, error) {
	if f.remaining.Add(-1) >= 0 {
		return nil, errdefs.New(errdefs.KindIO, "injected transient failure")
	}
	return f.real.Prepare(spec)
}

func TestTransientErrorsRetriedToSuccess(t *testing.T) {
	h := newHarness(t, config.DeterminismOff)
	h.write(t, "src/in.txt", "retry me")

	flaky := &flakySandbox{real: sandbox.New()}
	flaky.remaining.Store(2) // fail attempts 1 and 2
	h.exec.sandbox = flaky

	n := node(t, "//src:retry")
	act := copyAction("//src:retry", "src/in.txt", "out/retry.txt")
	res := h.exec.Execute(context.Background(), n, act)

	require.NoError(t, res.Err)
	require.Equal(t, graph.StatusSuccess, res.Status)
	require.Equal(t, 3, res.Attempts, "success on the third attempt")
	require.Equal(t, 2, n.Attempts(), "retry counter records the two retries")

	// The result was cached despite the bumpy road.
	entry, err := h.c.Lookup(context.Background(), res.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestRetryExhaustionFails(t *testing.T) {
	h := newHarness(t, config.DeterminismOff)
	h.write(t, "src/in.txt", "x")

	flaky := &flakySandbox{real: sandbox.New()}
	flaky.remaining.Store(100) // never recovers
	h.exec.sandbox = flaky

	res := h.exec.Execute(context.Background(), node(t, "//src:doomed"),
		copyAction("//src:doomed", "src/in.txt", "out/doomed.txt"))
	require.Equal(t, graph.StatusFailed, res.Status)
	require.Equal(t, errdefs.KindIO, errdefs.KindOf(res.Err), "last error surfaces")
	require.Equal(t, 3, res.Attempts, "io_error policy allows 3 attempts")
}

func TestTimeoutIsTransient(t *testing.T) {
	h := newHarness(t, config.DeterminismOff)
	h.write(t, "src/in.txt", "x")

	act := &action.Action{
		TargetID: "//src:slow",
		Command:  []string{"/bin/sh", "-c", "sleep 30"},
		Inputs:   []action.InputSpec{{Path: "src/in.txt", Kind: action.InputSource}},
		Outputs:  []string{"out/slow.txt"},
		Timeout:  200 * time.Millisecond,
		Platform: "test",
	}
	res := h.exec.Execute(context.Background(), node(t, "//src:slow"), act)
	require.Equal(t, graph.StatusFailed, res.Status)
	require.Equal(t, errdefs.KindProcessTimeout, errdefs.KindOf(res.Err))
	require.Equal(t, 2, res.Attempts, "process_timeout policy allows 2 attempts")
}

func TestDeterminismWarnDoesNotFailStableAction(t *testing.T) {
	h := newHarness(t, config.DeterminismWarn)
	h.write(t, "src/in.txt", "stable")

	res := h.exec.Execute(context.Background(), node(t, "//src:stable"),
		copyAction("//src:stable", "src/in.txt", "out/stable.txt"))
	require.NoError(t, res.Err)
	require.Equal(t, graph.StatusSuccess, res.Status)
}

func TestDeterminismStrictFailsUnstableAction(t *testing.T) {
	h := newHarness(t, config.DeterminismStrict)
	if h.exec.sandbox.Name() == "fallback" {
		// Strict mode refuses degraded sandboxes; the violation path
		// needs a hermetic platform. Exercise the refusal instead.
		h.write(t, "src/in.txt", "x")
		res := h.exec.Execute(context.Background(), node(t, "//src:strict"),
			copyAction("//src:strict", "src/in.txt", "out/strict.txt"))
		require.Equal(t, graph.StatusFailed, res.Status)
		require.Equal(t, errdefs.KindSandboxSetup, errdefs.KindOf(res.Err))
		return
	}

	h.write(t, "src/in.txt", "x")
	act := &action.Action{
		TargetID: "//src:rand",
		Command:  []string{"/bin/sh", "-c", "head -c8 /dev/urandom > out/rand.txt"},
		Inputs:   []action.InputSpec{{Path: "src/in.txt", Kind: action.InputSource}},
		Outputs:  []string{"out/rand.txt"},
		Platform: "test",
	}
	res := h.exec.Execute(context.Background(), node(t, "//src:rand"), act)
	require.Equal(t, graph.StatusFailed, res.Status)
	require.Equal(t, errdefs.KindDeterminismViolation, errdefs.KindOf(res.Err))

	// The poisoned entry was invalidated.
	entry, err := h.c.Lookup(context.Background(), res.Fingerprint)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestDeterministicEnvPinsVariance(t *testing.T) {
	env := deterministicEnv(map[string]string{"PATH": "/bin"})
	require.Equal(t, "/bin", env["PATH"])
	require.Equal(t, "UTC", env["TZ"])
	require.NotEmpty(t, env["SOURCE_DATE_EPOCH"])
	if strings.Contains(env["SOURCE_DATE_EPOCH"], ".") {
		t.Fatal("epoch must be integral seconds")
	}
}
