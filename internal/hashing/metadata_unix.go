//go:build !windows

package hashing

import (
	"os"
	"syscall"
)

func fillSysMetadata(info os.FileInfo, md *Metadata) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		md.Inode = uint64(st.Ino)
		md.Device = uint64(st.Dev)
	}
}
