package incremental

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forge/internal/graph"
	"forge/internal/target"
)

type fixture struct {
	root    string
	index   *SourceIndex
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	idx, err := OpenSourceIndex(filepath.Join(root, ".forge", "cache", "sources"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return &fixture{root: root, index: idx, tracker: NewTracker(idx, root)}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFirstScanReportsEverythingNew(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.c", "a")
	f.write(t, "src/b.c", "b")

	changes, records, err := f.tracker.Scan([]string{"src/a.c", "src/b.c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 || !changes[0].IsNew || !changes[1].IsNew {
		t.Fatalf("changes = %+v", changes)
	}
	if len(records) != 2 {
		t.Fatalf("records = %+v", records)
	}
}

func TestUnchangedSourcesReportNothing(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.c", "a")

	_, records, err := f.tracker.Scan([]string{"src/a.c"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.Commit(records); err != nil {
		t.Fatal(err)
	}

	changes, _, err := f.tracker.Scan([]string{"src/a.c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Fatalf("unchanged source reported: %+v", changes)
	}
}

func TestContentChangeDetected(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.c", "version one")
	_, records, err := f.tracker.Scan([]string{"src/a.c"})
	if err != nil {
		t.Fatal(err)
	}
	f.tracker.Commit(records)

	// Same size is deliberate: metadata still changes via mtime; even if
	// it did not, the content hash differs.
	time.Sleep(5 * time.Millisecond)
	f.write(t, "src/a.c", "version two")

	changes, _, err := f.tracker.Scan([]string{"src/a.c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].IsNew {
		t.Fatalf("changes = %+v", changes)
	}
	if changes[0].OldHash == changes[0].NewHash {
		t.Fatal("hashes should differ")
	}
}

func TestMetadataOnlyTouchIsNotAChange(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.c", "same content")
	_, records, err := f.tracker.Scan([]string{"src/a.c"})
	if err != nil {
		t.Fatal(err)
	}
	f.tracker.Commit(records)

	// Touch mtime without changing content: the metadata fast path
	// misses, the content hash proves nothing changed.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(f.root, "src/a.c"), future, future); err != nil {
		t.Fatal(err)
	}

	changes, records, err := f.tracker.Scan([]string{"src/a.c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Fatalf("touch reported as change: %+v", changes)
	}
	// The refreshed metadata must be committed so the next scan takes
	// the fast path again.
	if err := f.tracker.Commit(records); err != nil {
		t.Fatal(err)
	}
}

func TestAffectedSourcesFollowsDependencyMap(t *testing.T) {
	f := newFixture(t)
	// c includes b includes a; d is unrelated.
	f.tracker.RecordImports("src/b.c", []string{"src/a.c"})
	f.tracker.RecordImports("src/c.c", []string{"src/b.c"})
	f.tracker.RecordImports("src/d.c", nil)

	affected, err := f.tracker.AffectedSources([]Change{{Path: "src/a.c"}})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"src/a.c", "src/b.c", "src/c.c"}
	if diff := cmp.Diff(want, affected); diff != "" {
		t.Fatalf("affected (-want +got):\n%s", diff)
	}
}

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	mk := func(id, src string, deps ...string) *target.Target {
		return &target.Target{ID: id, Kind: target.KindLibrary, Sources: []string{src}, Deps: deps}
	}
	g, err := graph.Build([]*target.Target{
		mk("//lib:a", "lib/a.c"),
		mk("//lib:b", "lib/b.c", "//lib:a"),
		mk("//app:main", "app/main.c", "//lib:b"),
		mk("//other:x", "other/x.c"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestInvalidatedTargetsStrategies(t *testing.T) {
	f := newFixture(t)
	g := buildGraph(t)
	changed := []Change{{Path: "lib/a.c"}}

	t.Run("incremental", func(t *testing.T) {
		got, err := f.tracker.InvalidatedTargets(g, changed, StrategyIncremental)
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]bool{"//lib:a": true, "//lib:b": true, "//app:main": true}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("(-want +got):\n%s", diff)
		}
	})

	t.Run("minimal", func(t *testing.T) {
		got, err := f.tracker.InvalidatedTargets(g, changed, StrategyMinimal)
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]bool{"//lib:a": true}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("(-want +got):\n%s", diff)
		}
	})

	t.Run("full", func(t *testing.T) {
		got, err := f.tracker.InvalidatedTargets(g, nil, StrategyFull)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 4 {
			t.Fatalf("full should invalidate all 4, got %v", got)
		}
	})
}

func TestInvalidationThroughFileLevelDeps(t *testing.T) {
	f := newFixture(t)
	g := buildGraph(t)

	// lib/b.c includes lib/a.c at the file level. Changing a.c therefore
	// invalidates //lib:b (contains b.c) even before target-level edges
	// are considered.
	f.tracker.RecordImports("lib/b.c", []string{"lib/a.c"})

	got, err := f.tracker.InvalidatedTargets(g, []Change{{Path: "lib/a.c"}}, StrategyMinimal)
	if err != nil {
		t.Fatal(err)
	}
	// Minimal: only directly-changed sources count.
	if len(got) != 1 || !got["//lib:a"] {
		t.Fatalf("minimal = %v", got)
	}

	got, err = f.tracker.InvalidatedTargets(g, []Change{{Path: "lib/a.c"}}, StrategyIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if !got["//lib:b"] {
		t.Fatalf("file-level dep ignored: %v", got)
	}
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sources")

	idx, err := OpenSourceIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	tracker := NewTracker(idx, root)

	full := filepath.Join(root, "a.c")
	if err := os.WriteFile(full, []byte("persist"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, records, err := tracker.Scan([]string{"a.c"})
	if err != nil {
		t.Fatal(err)
	}
	tracker.Commit(records)
	idx.Close()

	idx2, err := OpenSourceIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer idx2.Close()

	changes, _, err := NewTracker(idx2, root).Scan([]string{"a.c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Fatalf("reopened index lost state: %+v", changes)
	}
}

func TestWatcherDeliversDebouncedBatches(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(root, []string{"forge-out"})
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}

	batches := make(chan []string, 4)
	go w.Run(func(paths []string) { batches <- paths })

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "src", "a.c"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "b.c"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case batch := <-batches:
		if len(batch) == 0 {
			t.Fatal("empty batch")
		}
		for _, p := range batch {
			if filepath.IsAbs(p) {
				t.Fatalf("batch paths must be workspace-relative: %s", p)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no batch delivered")
	}
	w.Stop()
}
