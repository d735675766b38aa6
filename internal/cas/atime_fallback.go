//go:build !linux && !darwin && !windows

package cas

import (
	"os"
	"time"
)

// Platforms without a portable atime accessor fall back to mtime, which
// the Touch calls in the cache layer keep current.
func accessTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
