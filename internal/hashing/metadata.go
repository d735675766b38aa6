package hashing

import (
	"os"

	"forge/internal/errdefs"
)

// Metadata is the cheap identity of a file used for the two-tier change
// detection fast path: if the metadata hash matches the recorded one, the
// content rehash is skipped entirely.
//
// On POSIX the identity includes inode and device, so a file replaced by an
// identically-sized same-mtime copy is still detected. On Windows only
// size and mtime are available; that weaker guarantee is documented in
// DESIGN.md.
type Metadata struct {
	Size    int64
	ModTime int64 // nanoseconds
	Inode   uint64
	Device  uint64
}

// StatMetadata reads the metadata identity of the file at path.
func StatMetadata(path string) (Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}, errdefs.Wrap(errdefs.KindIO, err, "stat %s", path)
	}
	md := Metadata{
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}
	fillSysMetadata(info, &md)
	return md, nil
}

// Hash returns the digest of the metadata tuple, canonically encoded.
func (m Metadata) Hash() Digest {
	return NewEncoder().
		Uint64(uint64(m.Size)).
		Uint64(uint64(m.ModTime)).
		Uint64(m.Inode).
		Uint64(m.Device).
		Sum()
}
