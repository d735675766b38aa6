//go:build !linux && !darwin && !windows

package sandbox

import "syscall"

func maxRSSBytes(ru *syscall.Rusage) int64 {
	return ru.Maxrss
}
