package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"forge/internal/errdefs"
	"forge/internal/graph"
	"forge/internal/hashing"
	"forge/internal/target"
)

func diamond(t *testing.T) *graph.Graph {
	t.Helper()
	mk := func(id string, deps ...string) *target.Target {
		return &target.Target{ID: id, Kind: target.KindLibrary, Sources: []string{"s"}, Deps: deps}
	}
	g, err := graph.Build([]*target.Target{
		mk("//x:d", "//x:b", "//x:c"),
		mk("//x:b", "//x:a"),
		mk("//x:c", "//x:a"),
		mk("//x:a"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func finish(t *testing.T, g *graph.Graph, id string, s graph.Status) {
	t.Helper()
	if _, err := g.Mark(id, graph.StatusBuilding); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Mark(id, s); err != nil {
		t.Fatal(err)
	}
}

func TestCaptureSaveLoadRoundTrip(t *testing.T) {
	g := diamond(t)
	finish(t, g, "//x:a", graph.StatusSuccess)
	finish(t, g, "//x:b", graph.StatusCached)
	finish(t, g, "//x:c", graph.StatusFailed)

	hashes := map[string]hashing.Digest{
		"//x:a": hashing.Hash([]byte("a")),
		"//x:b": hashing.Hash([]byte("b")),
	}
	cp := Capture(g, hashes)
	if len(cp.Failed) != 1 || cp.Failed[0] != "//x:c" {
		t.Fatalf("Failed = %v", cp.Failed)
	}

	m := NewManager(t.TempDir(), time.Hour, true)
	if err := m.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("checkpoint missing")
	}
	if loaded.InvocationID != cp.InvocationID {
		t.Fatalf("invocation id mismatch")
	}
	if len(loaded.Records) != 4 {
		t.Fatalf("records = %d", len(loaded.Records))
	}

	byID := map[string]Record{}
	for _, r := range loaded.Records {
		byID[r.TargetID] = r
	}
	if byID["//x:a"].Status != graph.StatusSuccess || byID["//x:a"].SourceHash != hashes["//x:a"] {
		t.Fatalf("record a = %+v", byID["//x:a"])
	}
	if byID["//x:b"].Status != graph.StatusCached {
		t.Fatalf("record b = %+v", byID["//x:b"])
	}
}

func TestApplyPreservesSuccessAndCached(t *testing.T) {
	g := diamond(t)
	finish(t, g, "//x:a", graph.StatusSuccess)
	finish(t, g, "//x:b", graph.StatusCached)
	cp := Capture(g, nil)

	fresh := diamond(t)
	skipped := cp.Apply(fresh, StrategySmart, nil)

	if fresh.Node("//x:a").Status() != graph.StatusSuccess {
		t.Fatal("success state lost")
	}
	if fresh.Node("//x:b").Status() != graph.StatusCached {
		t.Fatal("cached state lost")
	}
	if len(skipped) != 2 {
		t.Fatalf("skipped = %v", skipped)
	}
}

func TestApplySmartInvalidatesChangedAndDependents(t *testing.T) {
	g := diamond(t)
	for _, id := range []string{"//x:a", "//x:b", "//x:c", "//x:d"} {
		finish(t, g, id, graph.StatusSuccess)
	}
	cp := Capture(g, nil)

	fresh := diamond(t)
	skipped := cp.Apply(fresh, StrategySmart, map[string]bool{"//x:a": true})

	// a changed: a, b, c, d all rebuild.
	if len(skipped) != 0 {
		t.Fatalf("skipped = %v, want none", skipped)
	}
	if fresh.Node("//x:d").Status() != graph.StatusReady {
		t.Fatal("dependent of changed source should be ready for rebuild")
	}
}

func TestApplyRetryFailedRebuildsDependents(t *testing.T) {
	g := diamond(t)
	finish(t, g, "//x:a", graph.StatusSuccess)
	finish(t, g, "//x:b", graph.StatusFailed)
	finish(t, g, "//x:c", graph.StatusSuccess)
	cp := Capture(g, nil)

	fresh := diamond(t)
	skipped := cp.Apply(fresh, StrategyRetryFailed, nil)

	// a and c skip; b retries; d (dependent of b) rebuilds.
	want := map[string]bool{"//x:a": true, "//x:c": true}
	if len(skipped) != 2 || !want[skipped[0]] || !want[skipped[1]] {
		t.Fatalf("skipped = %v", skipped)
	}
	if fresh.Node("//x:b").Status() != graph.StatusReady {
		t.Fatal("failed target should be ready for retry")
	}
}

func TestApplyRebuildAllIgnoresCheckpoint(t *testing.T) {
	g := diamond(t)
	finish(t, g, "//x:a", graph.StatusSuccess)
	cp := Capture(g, nil)

	fresh := diamond(t)
	if skipped := cp.Apply(fresh, StrategyRebuildAll, nil); skipped != nil {
		t.Fatalf("rebuild-all skipped %v", skipped)
	}
	if fresh.Node("//x:a").Status() != graph.StatusReady {
		t.Fatal("rebuild-all should leave everything ready")
	}
}

func TestValidRejectsUnknownTargets(t *testing.T) {
	g := diamond(t)
	cp := Capture(g, nil)
	cp.Records = append(cp.Records, Record{TargetID: "//gone:target"})
	if cp.Valid(g) {
		t.Fatal("checkpoint with unknown target should be invalid")
	}
}

func TestExpiredCheckpointDiscarded(t *testing.T) {
	dir := t.TempDir()
	g := diamond(t)
	cp := Capture(g, nil)
	cp.CreatedAt = time.Now().Add(-2 * time.Hour)

	m := NewManager(dir, time.Hour, true)
	if err := m.Save(cp); err != nil {
		t.Fatal(err)
	}
	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Fatal("expired checkpoint returned")
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Fatal("expired checkpoint not removed")
	}
}

func TestCorruptCheckpointRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("BOGUS data"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(dir, time.Hour, true)
	_, err := m.Load()
	if err == nil {
		t.Fatal("corrupt checkpoint loaded")
	}
	if errdefs.KindOf(err) != errdefs.KindCacheCorrupted {
		t.Fatalf("kind = %s", errdefs.KindOf(err))
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("corrupt checkpoint left on disk")
	}
}

func TestUnknownVersionRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, append([]byte(magic), 99), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(dir, time.Hour, true)
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown version accepted")
	}
}

func TestClearAndDisabled(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, time.Hour, true)
	if err := m.Save(Capture(diamond(t), nil)); err != nil {
		t.Fatal(err)
	}
	if err := m.Clear(); err != nil {
		t.Fatal(err)
	}
	if cp, err := m.Load(); err != nil || cp != nil {
		t.Fatalf("after clear: %v, %v", cp, err)
	}

	disabled := NewManager(dir, time.Hour, false)
	if err := disabled.Save(Capture(diamond(t), nil)); err != nil {
		t.Fatal(err)
	}
	if cp, _ := disabled.Load(); cp != nil {
		t.Fatal("disabled manager produced a checkpoint")
	}
}

func TestRetryPolicyTable(t *testing.T) {
	p := DefaultPolicies(true)

	if _, ok := p.For(errdefs.New(errdefs.KindIO, "io")); !ok {
		t.Fatal("io_error should be retryable")
	}
	if _, ok := p.For(errdefs.New(errdefs.KindCompileFailed, "boom")); ok {
		t.Fatal("compile failures must never retry")
	}
	if _, ok := p.For(errdefs.New(errdefs.KindCircularDependency, "cycle")); ok {
		t.Fatal("graph errors must never retry")
	}

	off := DefaultPolicies(false)
	if _, ok := off.For(errdefs.New(errdefs.KindIO, "io")); ok {
		t.Fatal("disabled policies should not retry")
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	rp := RetryPolicy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}

	if d := rp.Delay(1); d != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v", d)
	}
	if d := rp.Delay(2); d != 200*time.Millisecond {
		t.Fatalf("attempt 2 delay = %v", d)
	}
	// Attempt 3 would be 400ms; capped.
	if d := rp.Delay(3); d != 300*time.Millisecond {
		t.Fatalf("attempt 3 delay = %v, want cap", d)
	}

	jittered := RetryPolicy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, JitterFraction: 0.5}
	d := jittered.Delay(1)
	if d < 75*time.Millisecond || d > 125*time.Millisecond {
		t.Fatalf("jittered delay %v outside +-25%%", d)
	}
}
