//go:build windows

package hashing

import "os"

// Windows exposes no stable inode/device through os.FileInfo.Sys without
// opening a handle, so the fast path degrades to size+mtime.
func fillSysMetadata(info os.FileInfo, md *Metadata) {}
