// Package hashing provides the single content-hashing primitive used across
// the core: a 32-byte BLAKE3 digest for blobs, files, and composite keys,
// plus the cheap metadata hash used as a change-detection fast path.
//
// Every composite fingerprint in forge (action keys, cache keys, the
// verification certificate) is built from canonically encoded fields, so
// two processes on two machines agree byte-for-byte. See canonical.go.
package hashing

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"lukechampine.com/blake3"

	"forge/internal/errdefs"
)

// Size is the digest length in bytes.
const Size = 32

// mmapThreshold is the file size above which HashFile memory-maps instead
// of streaming through a copy buffer.
const mmapThreshold = 1 << 20 // 1 MiB

// Digest is a 32-byte BLAKE3 content hash.
type Digest [Size]byte

// Zero is the all-zero digest, used as a sentinel for "no hash recorded".
var Zero Digest

// Hash computes the digest of a byte slice.
func Hash(data []byte) Digest {
	return blake3.Sum256(data)
}

// String returns the lowercase hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Shard returns the two-character hex prefix used for on-disk sharding.
func (d Digest) Shard() string {
	return hex.EncodeToString(d[:1])
}

// IsZero reports whether the digest is the zero sentinel.
func (d Digest) IsZero() bool {
	return d == Zero
}

// Parse decodes a 64-character hex string into a Digest.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return d, fmt.Errorf("digest %q: want %d hex chars, got %d", s, Size*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest %q: %w", s, err)
	}
	copy(d[:], raw)
	return d, nil
}

// MustParse is Parse for known-good constants in tests.
func MustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Hasher is the streaming interface: incremental updates, then finalize.
// Used for large files and for composite keys built field by field.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a streaming hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// Write adds data to the running hash. It never returns an error.
func (s *Hasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum finalizes the hash. The hasher may keep receiving writes afterwards;
// Sum reports the digest of everything written so far.
func (s *Hasher) Sum() Digest {
	var d Digest
	copy(d[:], s.h.Sum(nil))
	return d
}

// HashReader consumes r to EOF and returns the digest of its content.
func HashReader(r io.Reader) (Digest, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Zero, errdefs.Wrap(errdefs.KindIO, err, "hashing stream")
	}
	return h.Sum(), nil
}

// HashFile returns the content digest of the file at path. Large files are
// memory-mapped; small ones are streamed. The size is returned alongside so
// callers building source references do not stat twice.
func HashFile(path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Zero, 0, errdefs.Wrap(errdefs.KindIO, err, "open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Zero, 0, errdefs.Wrap(errdefs.KindIO, err, "stat %s", path)
	}
	size := info.Size()

	if size >= mmapThreshold {
		if d, err := hashMapped(f); err == nil {
			return d, size, nil
		}
		// mmap can fail on network filesystems; fall through to streaming.
	}

	d, err := HashReader(f)
	if err != nil {
		return Zero, 0, errdefs.Wrap(errdefs.KindIO, err, "read %s", path)
	}
	return d, size, nil
}

func hashMapped(f *os.File) (Digest, error) {
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return Zero, err
	}
	defer m.Unmap()
	return Hash(m), nil
}
