//go:build darwin

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"forge/internal/errdefs"
	"forge/internal/logging"
)

// darwinSandbox wraps commands in sandbox-exec with a deny-by-default
// profile: declared inputs readable, declared outputs and temp writable,
// network denied unless endpoints were granted.
type darwinSandbox struct {
	sandboxExec string
}

func platformSandbox() Sandbox {
	path, err := exec.LookPath("sandbox-exec")
	if err != nil {
		logging.Get(logging.CategorySandbox).Warn("sandbox-exec not found, using best-effort sandbox")
		return &fallbackSandbox{}
	}
	return &darwinSandbox{sandboxExec: path}
}

func (s *darwinSandbox) Name() string { return "darwin-profile" }

func (s *darwinSandbox) Prepare(spec *Spec) (Environment, error) {
	scratch, err := prepareScratch(spec)
	if err != nil {
		return nil, err
	}

	profile := buildProfile(spec)
	profilePath := filepath.Join(scratch, "profile.sb")
	if err := os.WriteFile(profilePath, []byte(profile), 0644); err != nil {
		os.RemoveAll(scratch)
		return nil, errdefs.Wrap(errdefs.KindSandboxSetup, err, "writing sandbox profile")
	}

	env := &baseEnvironment{
		spec:     spec,
		scratch:  scratch,
		hermetic: true,
	}
	env.configure = func(cmd *exec.Cmd) {
		// Re-root the invocation through sandbox-exec.
		argv := append([]string{s.sandboxExec, "-f", profilePath}, cmd.Args...)
		cmd.Path = s.sandboxExec
		cmd.Args = argv
	}
	return env, nil
}

// buildProfile renders the deny-by-default SBPL profile.
func buildProfile(spec *Spec) string {
	var b strings.Builder
	b.WriteString("(version 1)\n(deny default)\n")
	b.WriteString("(allow process-exec)\n(allow process-fork)\n")
	b.WriteString("(allow file-read* (subpath \"/usr\") (subpath \"/bin\") (subpath \"/System\") (subpath \"/Library\") (subpath \"/private/var/db/dyld\"))\n")

	for _, in := range spec.Inputs {
		fmt.Fprintf(&b, "(allow file-read* (subpath %q))\n", abs(in))
	}
	for _, out := range spec.Outputs {
		fmt.Fprintf(&b, "(allow file-read* file-write* (subpath %q))\n", abs(filepath.Dir(out)))
	}
	for _, tmp := range spec.Temp {
		fmt.Fprintf(&b, "(allow file-read* file-write* (subpath %q))\n", abs(tmp))
	}
	if spec.WorkDir != "" {
		fmt.Fprintf(&b, "(allow file-read-metadata (subpath %q))\n", abs(spec.WorkDir))
	}
	if len(spec.NetworkEndpoints) > 0 {
		// SBPL cannot express per-endpoint allow portably; granted
		// network means open network, recorded as such.
		b.WriteString("(allow network*)\n")
	}
	return b.String()
}

func abs(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
