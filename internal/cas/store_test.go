package cas

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"forge/internal/errdefs"
	"forge/internal/hashing"
)

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t, Options{})

	data := []byte("blob content")
	d, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if d != hashing.Hash(data) {
		t.Fatalf("Put returned %s, want content hash %s", d, hashing.Hash(data))
	}

	got, err := s.Get(d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get returned %q, want %q", got, data)
	}
}

func TestShardedLayout(t *testing.T) {
	s := newStore(t, Options{})
	d, err := s.Put([]byte("layout"))
	if err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(s.Root(), d.String()[:2], d.String())
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("blob not at sharded path %s: %v", want, err)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := newStore(t, Options{})

	d1, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("idempotent put returned different digests: %s vs %s", d1, d2)
	}
	if s.dupPuts.Load() != 1 {
		t.Fatalf("dupPuts = %d, want 1", s.dupPuts.Load())
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newStore(t, Options{})
	_, err := s.Get(hashing.Hash([]byte("never stored")))
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCorruptionDetectedAndQuarantined(t *testing.T) {
	s := newStore(t, Options{VerifyOnRead: true})

	d, err := s.Put([]byte("pristine"))
	if err != nil {
		t.Fatal(err)
	}

	// Flip the on-disk bytes behind the store's back.
	if err := os.WriteFile(s.BlobPath(d), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Get(d)
	if !errors.Is(err, errdefs.ErrCorrupted) {
		t.Fatalf("err = %v, want ErrCorrupted", err)
	}
	if errdefs.KindOf(err) != errdefs.KindCacheCorrupted {
		t.Fatalf("kind = %s, want cache_corrupted", errdefs.KindOf(err))
	}

	// The corrupted entry must be gone.
	if s.Has(d) {
		t.Fatal("corrupted blob still reported present")
	}
}

func TestVerify(t *testing.T) {
	s := newStore(t, Options{})
	d, err := s.Put([]byte("verified"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(d); err != nil {
		t.Fatalf("Verify clean blob: %v", err)
	}

	if err := os.WriteFile(s.BlobPath(d), []byte("bad"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(d); !errors.Is(err, errdefs.ErrCorrupted) {
		t.Fatalf("Verify tampered blob = %v, want ErrCorrupted", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newStore(t, Options{})
	d, err := s.Put([]byte("gone soon"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(d); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := s.Remove(d); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if s.Has(d) {
		t.Fatal("removed blob still present")
	}
}

func TestPutFileMatchesPut(t *testing.T) {
	s := newStore(t, Options{})

	data := bytes.Repeat([]byte("file data "), 1000)
	path := filepath.Join(t.TempDir(), "input")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := s.PutFile(path)
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if d != hashing.Hash(data) {
		t.Fatalf("PutFile digest %s != content hash", d)
	}
	got, err := s.Get(d)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Get after PutFile: %v", err)
	}
}

func TestConcurrentSameHashPuts(t *testing.T) {
	s := newStore(t, Options{})
	data := []byte("raced content")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put(data); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent put: %v", err)
	}

	got, err := s.Get(hashing.Hash(data))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("blob damaged by race: %v", err)
	}
}

func TestLinkToMaterializes(t *testing.T) {
	s := newStore(t, Options{})
	d, err := s.Put([]byte("artifact"))
	if err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "out", "bin", "artifact")
	if err := s.LinkTo(d, dst); err != nil {
		t.Fatalf("LinkTo: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "artifact" {
		t.Fatalf("materialized content wrong: %q, %v", got, err)
	}
}

func TestEvictUnderLimit(t *testing.T) {
	s := newStore(t, Options{})

	old, err := s.Put(bytes.Repeat([]byte("a"), 4096))
	if err != nil {
		t.Fatal(err)
	}
	// Age the first blob so LRU ordering is deterministic.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(s.BlobPath(old), past, past); err != nil {
		t.Fatal(err)
	}

	fresh, err := s.Put(bytes.Repeat([]byte("b"), 4096))
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Evict(6000, nil)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if res.Removed != 1 {
		t.Fatalf("Removed = %d, want 1", res.Removed)
	}
	if s.Has(old) {
		t.Fatal("older blob should have been evicted")
	}
	if !s.Has(fresh) {
		t.Fatal("newer blob should have survived")
	}
}

func TestEvictRespectsProtectSet(t *testing.T) {
	s := newStore(t, Options{})

	protected, err := s.Put(bytes.Repeat([]byte("p"), 4096))
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-2 * time.Hour)
	os.Chtimes(s.BlobPath(protected), past, past)

	victim, err := s.Put(bytes.Repeat([]byte("v"), 4096))
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Evict(6000, map[hashing.Digest]bool{protected: true})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Has(protected) {
		t.Fatal("protected blob evicted")
	}
	if s.Has(victim) {
		t.Fatal("unprotected newer blob should have been evicted instead")
	}
}

func TestEvictZeroLimitIsNoop(t *testing.T) {
	s := newStore(t, Options{})
	if _, err := s.Put([]byte("stay")); err != nil {
		t.Fatal(err)
	}
	res, err := s.Evict(0, nil)
	if err != nil || res.Removed != 0 {
		t.Fatalf("Evict(0) = %+v, %v", res, err)
	}
}
