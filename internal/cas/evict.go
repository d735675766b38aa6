package cas

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"forge/internal/errdefs"
	"forge/internal/hashing"
	"forge/internal/logging"
)

// Eviction policy: LRU by last-access time with a size-weighted tiebreak,
// run only out-of-band (clean --prune or the post-build GC pass), never
// mid-build. Access time comes from the filesystem atime when available
// and falls back to mtime on noatime mounts; the cache layer additionally
// touches blobs it materializes, so mtime tracks use.

// evictLockName is the cross-process lock file guarding eviction. Only one
// evictor may run at a time; builds do not take this lock.
const evictLockName = ".evict.lock"

type blobInfo struct {
	digest hashing.Digest
	size   int64
	access time.Time
}

// EvictResult reports what an eviction pass removed.
type EvictResult struct {
	Removed int
	Freed   int64
	Kept    int64
}

// Evict removes least-recently-used blobs until total size fits under
// maxBytes. A maxBytes of 0 means unbounded and the pass is a no-op.
// protect lists digests that must survive regardless of age (blobs
// referenced by cache entries newer than the checkpoint bound).
func (s *Store) Evict(maxBytes int64, protect map[hashing.Digest]bool) (EvictResult, error) {
	var res EvictResult
	if maxBytes <= 0 {
		return res, nil
	}

	lock := flock.New(filepath.Join(s.root, evictLockName))
	locked, err := lock.TryLock()
	if err != nil {
		return res, errdefs.Wrap(errdefs.KindIO, err, "eviction lock")
	}
	if !locked {
		logging.Store("eviction already running in another process, skipping")
		return res, nil
	}
	defer lock.Unlock()

	blobs, total, err := s.scan()
	if err != nil {
		return res, err
	}
	if total <= maxBytes {
		res.Kept = total
		return res, nil
	}

	// Oldest first; equal access times evict the larger blob first so one
	// pass frees more.
	sort.Slice(blobs, func(i, j int) bool {
		if !blobs[i].access.Equal(blobs[j].access) {
			return blobs[i].access.Before(blobs[j].access)
		}
		return blobs[i].size > blobs[j].size
	})

	for _, b := range blobs {
		if total <= maxBytes {
			break
		}
		if protect[b.digest] {
			continue
		}
		if err := s.Remove(b.digest); err != nil {
			logging.Get(logging.CategoryStore).Warn("evicting %s: %v", b.digest, err)
			continue
		}
		total -= b.size
		res.Removed++
		res.Freed += b.size
	}
	res.Kept = total
	logging.Store("eviction removed %d blobs, freed %d bytes", res.Removed, res.Freed)
	return res, nil
}

func (s *Store) scan() ([]blobInfo, int64, error) {
	var blobs []blobInfo
	var total int64

	err := filepath.WalkDir(s.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		name := entry.Name()
		d, perr := hashing.Parse(name)
		if perr != nil {
			// Temp files and the lock file are not blobs.
			return nil
		}
		info, serr := entry.Info()
		if serr != nil {
			return nil
		}
		blobs = append(blobs, blobInfo{
			digest: d,
			size:   info.Size(),
			access: accessTime(info),
		})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, errdefs.Wrap(errdefs.KindIO, err, "scanning blob store")
	}
	return blobs, total, nil
}

// Touch bumps a blob's access time so eviction sees recent use even on
// noatime filesystems.
func (s *Store) Touch(d hashing.Digest) {
	now := time.Now()
	os.Chtimes(s.BlobPath(d), now, now)
}
