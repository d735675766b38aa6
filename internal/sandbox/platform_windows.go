//go:build windows

package sandbox

import "forge/internal/logging"

// Windows has no stdlib-reachable job-object plumbing rich enough for
// the full contract; the fallback sandbox provides process-group kill
// and declared-path bookkeeping with Hermetic()=false.
func platformSandbox() Sandbox {
	logging.Get(logging.CategorySandbox).Warn("windows sandbox is best-effort (reduced guarantee)")
	return &fallbackSandbox{}
}
