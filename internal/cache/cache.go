// Package cache implements the layered action cache: a local tier that is
// always present (SQLite index + content-addressed blob store) and an
// optional remote HTTP tier. Lookups probe local first, then remote,
// downloading remote hits into the local tier. Inserts are local-first
// with an asynchronous best-effort push to remote.
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"forge/internal/cas"
	"forge/internal/errdefs"
	"forge/internal/hashing"
	"forge/internal/logging"
)

// Stats counts cache traffic since open.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Entries   int64 `json:"entries"`
	BlobBytes int64 `json:"blob_bytes"`
}

// Options configures the layered cache.
type Options struct {
	// MaxEntryAge invalidates entries older than this on lookup. Zero
	// means no age bound.
	MaxEntryAge time.Duration

	// Metadata is compared against each entry's recorded metadata; any
	// recorded key whose current value differs voids the hit. Keys
	// absent here but recorded in the entry also void it (the invoker
	// no longer pins that tool/platform).
	Metadata map[string]string
}

// Cache is the layered action cache. Safe for concurrent callers: the
// index serializes itself, blob insertion is lock-free per hash, and the
// push queue is internally synchronized.
type Cache struct {
	local  *LocalIndex
	blobs  *cas.Store
	remote *RemoteTier // nil when unconfigured
	opts   Options

	hits   atomic.Int64
	misses atomic.Int64

	pushWG sync.WaitGroup
}

// New assembles a cache from its tiers. remote may be nil.
func New(local *LocalIndex, blobs *cas.Store, remote *RemoteTier, opts Options) *Cache {
	return &Cache{local: local, blobs: blobs, remote: remote, opts: opts}
}

// Blobs exposes the underlying content store (the executor materializes
// outputs from it directly).
func (c *Cache) Blobs() *cas.Store { return c.blobs }

// Lookup resolves a fingerprint. Returns (nil, nil) on a clean miss; a
// *BackoffError when the remote tier is saturated (callers treat it as a
// miss); the entry on a validated hit.
func (c *Cache) Lookup(ctx context.Context, fp hashing.Digest) (*Entry, error) {
	// 1. Local tier.
	entry, err := c.local.Get(fp)
	if err == nil {
		if c.Validate(entry) {
			c.hits.Add(1)
			c.touchOutputs(entry)
			logging.CacheDebug("local hit %s", fp)
			return entry, nil
		}
		// Present but not honorable: invalidate and keep probing.
		logging.CacheDebug("local entry %s failed validation, invalidated", fp)
		c.local.Delete(fp)
	} else if !errors.Is(err, errdefs.ErrNotFound) && !errors.Is(err, errdefs.ErrCorrupted) {
		return nil, err
	}

	// 2. Remote tier.
	if c.remote == nil {
		c.misses.Add(1)
		return nil, nil
	}
	entry, err = c.lookupRemote(ctx, fp)
	if err != nil {
		var bo *BackoffError
		if errors.As(err, &bo) {
			c.misses.Add(1)
			return nil, bo
		}
		if errors.Is(err, errdefs.ErrNotFound) {
			c.misses.Add(1)
			return nil, nil
		}
		// Remote trouble is a miss, not a build failure.
		logging.Get(logging.CategoryRemote).Warn("remote lookup %s: %v", fp, err)
		c.misses.Add(1)
		return nil, nil
	}

	c.hits.Add(1)
	return entry, nil
}

// lookupRemote fetches the entry manifest and every output blob, placing
// them in the local tier. The local entry is inserted only after all
// blobs landed, so a reader can never observe a partial hit.
func (c *Cache) lookupRemote(ctx context.Context, fp hashing.Digest) (*Entry, error) {
	raw, err := c.remote.GetBlob(ctx, fp)
	if err != nil {
		return nil, err
	}
	entry, err := unmarshalEntry(raw)
	if err != nil || !entry.CheckSealed() || entry.Fingerprint != fp.String() {
		return nil, errdefs.Wrap(errdefs.KindCacheCorrupted, errdefs.ErrCorrupted, "remote entry %s", fp)
	}
	if !c.Validate(entry) {
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, errdefs.ErrNotFound, "remote entry %s stale", fp)
	}

	for _, o := range entry.Outputs {
		d, perr := hashing.Parse(o.Digest)
		if perr != nil {
			return nil, errdefs.Wrap(errdefs.KindCacheCorrupted, errdefs.ErrCorrupted, "remote entry %s output digest", fp)
		}
		if c.blobs.Has(d) {
			continue
		}
		data, gerr := c.remote.GetBlob(ctx, d)
		if gerr != nil {
			return nil, gerr
		}
		if _, perr := c.blobs.Put(data); perr != nil {
			return nil, perr
		}
	}
	if !c.Validate(entry) {
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, errdefs.ErrNotFound, "remote entry %s stale", fp)
	}

	if err := c.local.Put(entry); err != nil {
		return nil, err
	}
	logging.Cache("remote hit %s (%d blobs)", fp, len(entry.Outputs))
	return entry, nil
}

// Insert records an entry locally and schedules a best-effort remote
// push. The caller has already stored the output blobs. Inserting the
// identical entry again is a no-op.
func (c *Cache) Insert(ctx context.Context, entry *Entry) error {
	entry.Seal()
	if err := c.local.Put(entry); err != nil {
		return err
	}

	if c.remote != nil {
		c.pushWG.Add(1)
		go c.pushRemote(entry)
	}
	return nil
}

// pushRemote uploads the entry's blobs then the entry manifest, retrying
// transient failures with exponential backoff. Failure is logged, never
// surfaced: the local tier is the source of truth.
func (c *Cache) pushRemote(entry *Entry) {
	defer c.pushWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	push := func() error {
		for _, o := range entry.Outputs {
			d, err := hashing.Parse(o.Digest)
			if err != nil {
				return backoff.Permanent(err)
			}
			ok, err := c.remote.HasBlob(ctx, d)
			if err == nil && ok {
				continue
			}
			data, err := c.blobs.Get(d)
			if err != nil {
				return backoff.Permanent(err)
			}
			if err := c.remote.PutBlob(ctx, d, data); err != nil {
				return err
			}
		}
		fp, err := hashing.Parse(entry.Fingerprint)
		if err != nil {
			return backoff.Permanent(err)
		}
		raw, err := entry.marshal()
		if err != nil {
			return backoff.Permanent(err)
		}
		return c.remote.PutBlob(ctx, fp, raw)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(push, policy); err != nil {
		logging.Get(logging.CategoryRemote).Warn("remote push %s failed: %v", entry.Fingerprint, err)
	}
}

// Validate confirms an entry is honorable: sealed payload, every output
// blob present, recorded metadata matching the current invocation, age
// within bound.
func (c *Cache) Validate(entry *Entry) bool {
	if !entry.CheckSealed() {
		return false
	}
	if c.opts.MaxEntryAge > 0 && time.Since(entry.CreatedAt) > c.opts.MaxEntryAge {
		return false
	}
	for k, recorded := range entry.Metadata {
		if current, ok := c.opts.Metadata[k]; !ok || current != recorded {
			return false
		}
	}
	for _, o := range entry.Outputs {
		d, err := hashing.Parse(o.Digest)
		if err != nil || !c.blobs.Has(d) {
			return false
		}
	}
	return true
}

// Invalidate removes a fingerprint from the local tier.
func (c *Cache) Invalidate(fp hashing.Digest) error {
	return c.local.Delete(fp)
}

// Stats reports cache counters plus on-disk totals.
func (c *Cache) Stats() (Stats, error) {
	st := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	n, err := c.local.Count()
	if err != nil {
		return st, err
	}
	st.Entries = n

	bs, err := c.blobs.Stats()
	if err != nil {
		return st, err
	}
	st.BlobBytes = bs.Bytes
	return st, nil
}

// Evict runs the blob-store eviction pass, protecting blobs referenced by
// entries newer than protectAge.
func (c *Cache) Evict(maxBytes int64, protectAge time.Duration) (cas.EvictResult, error) {
	live, err := c.local.LiveDigests(time.Now().Add(-protectAge))
	if err != nil {
		return cas.EvictResult{}, err
	}
	return c.blobs.Evict(maxBytes, live)
}

// touchOutputs bumps blob access times on a hit so eviction sees use.
func (c *Cache) touchOutputs(entry *Entry) {
	for _, d := range entry.OutputDigests() {
		c.blobs.Touch(d)
	}
}

// Close flushes pending remote pushes and closes the index.
func (c *Cache) Close() error {
	c.pushWG.Wait()
	return c.local.Close()
}
