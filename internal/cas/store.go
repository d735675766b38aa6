// Package cas implements the content-addressed blob store. Blobs live
// under <root>/<2-hex-shard>/<full-hex-hash>, are written through a
// temp-file + atomic rename, and are immutable once placed. Distinct
// hashes never conflict; same-hash concurrent writers race on the rename
// and the loser discards its temp file.
package cas

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"forge/internal/errdefs"
	"forge/internal/hashing"
	"forge/internal/logging"
)

// presenceCacheSize bounds the in-memory LRU of known-present hashes.
// Entries are tiny (digest -> struct{}); 64k covers very large builds.
const presenceCacheSize = 65536

// Store is the on-disk content-addressed blob store.
type Store struct {
	root string

	// verifyOnRead re-hashes blob content on every Get.
	verifyOnRead bool

	// present caches hashes known to exist on disk, so hot-path Has calls
	// skip the stat.
	present *lru.Cache[hashing.Digest, struct{}]

	// stats
	puts      atomic.Int64
	dupPuts   atomic.Int64
	gets      atomic.Int64
	corrupted atomic.Int64
}

// Options configures a Store.
type Options struct {
	// VerifyOnRead re-hashes every blob as it is read. Slower, catches
	// disk corruption at the read site instead of at consumption.
	VerifyOnRead bool
}

// Open creates or reopens a blob store rooted at dir.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, err, "creating blob root %s", dir)
	}
	present, err := lru.New[hashing.Digest, struct{}](presenceCacheSize)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "presence cache")
	}
	logging.Store("blob store opened at %s (verify_on_read=%v)", dir, opts.VerifyOnRead)
	return &Store{
		root:         dir,
		verifyOnRead: opts.VerifyOnRead,
		present:      present,
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// BlobPath returns the on-disk location for a digest.
func (s *Store) BlobPath(d hashing.Digest) string {
	return filepath.Join(s.root, d.Shard(), d.String())
}

// Has reports whether a blob is present.
func (s *Store) Has(d hashing.Digest) bool {
	if _, ok := s.present.Get(d); ok {
		return true
	}
	if _, err := os.Stat(s.BlobPath(d)); err != nil {
		return false
	}
	s.present.Add(d, struct{}{})
	return true
}

// Put stores a byte blob and returns its digest. Idempotent: storing
// content that already exists is a no-op.
func (s *Store) Put(data []byte) (hashing.Digest, error) {
	d := hashing.Hash(data)
	if s.Has(d) {
		s.dupPuts.Add(1)
		return d, nil
	}
	if err := s.writeBlob(d, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return hashing.Zero, err
	}
	s.puts.Add(1)
	return d, nil
}

// PutFile streams the file at path into the store, hashing during the
// write, and returns its digest.
func (s *Store) PutFile(path string) (hashing.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return hashing.Zero, errdefs.Wrap(errdefs.KindIO, err, "open %s", path)
	}
	defer f.Close()

	// Hash while spooling to a temp file, then move the temp file under
	// the final name. One read pass, no full buffering.
	tmp, err := os.CreateTemp(s.root, "put-*")
	if err != nil {
		return hashing.Zero, errdefs.Wrap(errdefs.KindIO, err, "temp file in %s", s.root)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := hashing.NewHasher()
	if _, err := io.Copy(io.MultiWriter(tmp, h), f); err != nil {
		tmp.Close()
		return hashing.Zero, errdefs.Wrap(errdefs.KindIO, err, "spooling %s", path)
	}
	if err := tmp.Close(); err != nil {
		return hashing.Zero, errdefs.Wrap(errdefs.KindIO, err, "closing temp for %s", path)
	}

	d := h.Sum()
	if s.Has(d) {
		s.dupPuts.Add(1)
		return d, nil
	}
	if err := s.placeTemp(tmpPath, d); err != nil {
		return hashing.Zero, err
	}
	s.puts.Add(1)
	return d, nil
}

// Get returns the content of a blob. Fails with errdefs.ErrNotFound when
// absent and errdefs.ErrCorrupted when the on-disk bytes no longer match
// their address (the offending file is removed).
func (s *Store) Get(d hashing.Digest) ([]byte, error) {
	s.gets.Add(1)
	data, err := os.ReadFile(s.BlobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Wrap(errdefs.KindCacheLoad, errdefs.ErrNotFound, "blob %s", d)
		}
		return nil, errdefs.Wrap(errdefs.KindIO, err, "reading blob %s", d)
	}

	if s.verifyOnRead && hashing.Hash(data) != d {
		s.quarantine(d)
		return nil, errdefs.Wrap(errdefs.KindCacheCorrupted, errdefs.ErrCorrupted, "blob %s", d)
	}
	return data, nil
}

// Open returns a reader over a blob for large consumers. Verification is
// the caller's choice via Verify; streaming reads skip verify-on-read.
func (s *Store) Open(d hashing.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.BlobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Wrap(errdefs.KindCacheLoad, errdefs.ErrNotFound, "blob %s", d)
		}
		return nil, errdefs.Wrap(errdefs.KindIO, err, "opening blob %s", d)
	}
	return f, nil
}

// Verify re-hashes a blob in place. A mismatch removes the entry and
// reports ErrCorrupted.
func (s *Store) Verify(d hashing.Digest) error {
	got, _, err := hashing.HashFile(s.BlobPath(d))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errdefs.Wrap(errdefs.KindCacheLoad, errdefs.ErrNotFound, "blob %s", d)
		}
		return err
	}
	if got != d {
		s.quarantine(d)
		return errdefs.Wrap(errdefs.KindCacheCorrupted, errdefs.ErrCorrupted, "blob %s hashed to %s", d, got)
	}
	return nil
}

// Remove deletes a blob. Idempotent.
func (s *Store) Remove(d hashing.Digest) error {
	s.present.Remove(d)
	if err := os.Remove(s.BlobPath(d)); err != nil && !os.IsNotExist(err) {
		return errdefs.Wrap(errdefs.KindIO, err, "removing blob %s", d)
	}
	return nil
}

// Size returns a blob's byte size without reading it.
func (s *Store) Size(d hashing.Digest) (int64, error) {
	info, err := os.Stat(s.BlobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errdefs.Wrap(errdefs.KindCacheLoad, errdefs.ErrNotFound, "blob %s", d)
		}
		return 0, errdefs.Wrap(errdefs.KindIO, err, "stat blob %s", d)
	}
	return info.Size(), nil
}

// LinkTo hard-links a blob to dst, falling back to a copy when the
// filesystem refuses cross-device or unsupported links.
func (s *Store) LinkTo(d hashing.Digest, dst string) error {
	src := s.BlobPath(d)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "creating %s", filepath.Dir(dst))
	}
	// Materialization overwrites stale outputs.
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return errdefs.Wrap(errdefs.KindIO, err, "clearing %s", dst)
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return s.copyTo(d, dst)
}

func (s *Store) copyTo(d hashing.Digest, dst string) error {
	r, err := s.Open(d)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "creating %s", dst)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return errdefs.Wrap(errdefs.KindIO, err, "copying blob %s to %s", d, dst)
	}
	return w.Close()
}

// writeBlob writes content through a temp file and renames into place.
func (s *Store) writeBlob(d hashing.Digest, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(s.root, "put-*")
	if err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "temp file in %s", s.root)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := write(tmp); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.KindIO, err, "writing blob %s", d)
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "closing blob %s", d)
	}
	return s.placeTemp(tmpPath, d)
}

// placeTemp moves a fully-written temp file under the blob's final name.
// The rename is the commit point; a loser in a same-hash race just finds
// the file already there.
func (s *Store) placeTemp(tmpPath string, d hashing.Digest) error {
	final := s.BlobPath(d)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "creating shard for %s", d)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		if s.Has(d) {
			return nil
		}
		return errdefs.Wrap(errdefs.KindIO, err, "placing blob %s", d)
	}
	s.present.Add(d, struct{}{})
	logging.StoreDebug("blob %s placed", d)
	return nil
}

func (s *Store) quarantine(d hashing.Digest) {
	s.corrupted.Add(1)
	s.present.Remove(d)
	os.Remove(s.BlobPath(d))
	logging.Get(logging.CategoryStore).Error("blob %s failed verification, removed", d)
}

// Stats summarizes store activity since Open.
type Stats struct {
	Puts          int64
	DuplicatePuts int64
	Gets          int64
	Corrupted     int64
	Blobs         int64
	Bytes         int64
}

// Stats walks the store and reports counts and totals.
func (s *Store) Stats() (Stats, error) {
	st := Stats{
		Puts:          s.puts.Load(),
		DuplicatePuts: s.dupPuts.Load(),
		Gets:          s.gets.Load(),
		Corrupted:     s.corrupted.Load(),
	}
	err := filepath.WalkDir(s.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		st.Blobs++
		st.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return st, errdefs.Wrap(errdefs.KindIO, err, "walking blob store")
	}
	return st, nil
}
