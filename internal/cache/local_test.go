package cache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"forge/internal/errdefs"
	"forge/internal/hashing"
)

func newIndex(t *testing.T) *LocalIndex {
	t.Helper()
	idx, err := OpenLocalIndex(filepath.Join(t.TempDir(), "actions"))
	if err != nil {
		t.Fatalf("OpenLocalIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func testEntry(fp hashing.Digest) *Entry {
	e := &Entry{
		Fingerprint: fp.String(),
		Outputs: []OutputRecord{
			{Path: "out/lib.o", Digest: hashing.Hash([]byte("object")).String(), Size: 6},
		},
		Metadata:  map[string]string{"tool": "cc-13"},
		CreatedAt: time.Now(),
	}
	e.Seal()
	return e
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	idx := newIndex(t)
	fp := hashing.Hash([]byte("action key"))

	want := testEntry(fp)
	if err := idx.Put(want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := idx.Get(fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Fingerprint != want.Fingerprint || len(got.Outputs) != 1 || got.Outputs[0].Path != "out/lib.o" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Metadata["tool"] != "cc-13" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
}

func TestLocalGetMissing(t *testing.T) {
	idx := newIndex(t)
	_, err := idx.Get(hashing.Hash([]byte("absent")))
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLocalPutUnsealedRejected(t *testing.T) {
	idx := newIndex(t)
	e := testEntry(hashing.Hash([]byte("x")))
	e.ValidationHash = "tampered"
	if err := idx.Put(e); err == nil {
		t.Fatal("unsealed entry accepted")
	}
}

func TestLocalIdempotentInsert(t *testing.T) {
	idx := newIndex(t)
	fp := hashing.Hash([]byte("idem"))

	e := testEntry(fp)
	if err := idx.Put(e); err != nil {
		t.Fatal(err)
	}
	if err := idx.Put(e); err != nil {
		t.Fatalf("second identical Put: %v", err)
	}
	n, err := idx.Count()
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1", n, err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	idx := newIndex(t)
	fp := hashing.Hash([]byte("del"))
	if err := idx.Put(testEntry(fp)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(fp); err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(fp); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := idx.Get(fp); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("entry survived delete: %v", err)
	}
}

func TestLocalReopenKeepsEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "actions")
	fp := hashing.Hash([]byte("persist"))

	idx, err := OpenLocalIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Put(testEntry(fp)); err != nil {
		t.Fatal(err)
	}
	idx.Close()

	idx2, err := OpenLocalIndex(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx2.Close()
	if _, err := idx2.Get(fp); err != nil {
		t.Fatalf("entry lost across reopen: %v", err)
	}
}

func TestLiveDigestsFiltersByAge(t *testing.T) {
	idx := newIndex(t)

	fresh := testEntry(hashing.Hash([]byte("fresh")))
	if err := idx.Put(fresh); err != nil {
		t.Fatal(err)
	}

	live, err := idx.LiveDigests(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 {
		t.Fatalf("live = %d digests, want 1", len(live))
	}

	// A cutoff in the future excludes everything.
	live, err = idx.LiveDigests(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 {
		t.Fatalf("future cutoff returned %d digests", len(live))
	}
}
