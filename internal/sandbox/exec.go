package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"forge/internal/errdefs"
	"forge/internal/logging"
)

// maxCapturedOutput caps stdout/stderr capture per stream.
const maxCapturedOutput = 10 * 1024 * 1024

// limitedWriter caps captured bytes, counting what it discards.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := l.max - l.written
	if remaining <= 0 {
		l.truncated = true
		l.discarded += int64(n)
		return n, nil
	}
	if int64(n) > remaining {
		l.truncated = true
		l.discarded += int64(n) - remaining
		p = p[:remaining]
	}
	written, err := l.w.Write(p)
	l.written += int64(written)
	return n, err
}

// buildEnv filters candidate variables through the allowlist, rendering
// KEY=VALUE pairs in sorted order for reproducible spawn.
func buildEnv(allowlist []string, env map[string]string) []string {
	allowed := make(map[string]bool, len(allowlist))
	for _, k := range allowlist {
		allowed[k] = true
	}

	var out []string
	for k, v := range env {
		if allowed[k] {
			out = append(out, k+"="+v)
		}
	}
	sort.Strings(out)
	return out
}

// baseEnvironment is shared by every platform: the scratch/work dir
// management and the common execute loop around os/exec.
type baseEnvironment struct {
	spec     *Spec
	scratch  string
	hermetic bool

	// configure lets a platform adjust the command before start
	// (namespaces, job objects). May be nil.
	configure func(*exec.Cmd)

	// postStart runs after the process starts (cgroup attach). May be
	// nil; a returned error kills the process.
	postStart func(*exec.Cmd) error

	// cleanup runs at teardown in addition to scratch removal.
	cleanup func()

	torn bool
}

func (e *baseEnvironment) Hermetic() bool { return e.hermetic }

func (e *baseEnvironment) Teardown() error {
	if e.torn {
		return nil
	}
	e.torn = true
	if e.cleanup != nil {
		e.cleanup()
	}
	if e.scratch != "" {
		if err := os.RemoveAll(e.scratch); err != nil {
			return errdefs.Wrap(errdefs.KindIO, err, "removing sandbox scratch %s", e.scratch)
		}
	}
	logging.Get(logging.CategorySandbox).Debug("sandbox torn down (scratch=%s)", e.scratch)
	return nil
}

func (e *baseEnvironment) Execute(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) (*Outcome, error) {
	if len(argv) == 0 {
		return nil, errdefs.New(errdefs.KindProcessSpawn, "empty command")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Dir = e.spec.WorkDir
	cmd.Env = buildEnv(e.spec.EnvAllowlist, env)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxCapturedOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: maxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	setupProcessGroup(cmd)
	if e.configure != nil {
		e.configure(cmd)
	}
	// Kill the whole group, not just the direct child.
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}

	outcome := &Outcome{
		ExitCode: -1,
		Hermetic: e.hermetic,
	}
	outcome.StartedAt = time.Now()

	if err := cmd.Start(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProcessSpawn, err, "spawning %s", argv[0])
	}
	if e.postStart != nil {
		if err := e.postStart(cmd); err != nil {
			killProcessGroup(cmd)
			cmd.Wait()
			return nil, err
		}
	}

	waitErr := cmd.Wait()
	outcome.FinishedAt = time.Now()
	outcome.Duration = outcome.FinishedAt.Sub(outcome.StartedAt)
	outcome.Stdout = stdoutBuf.String()
	outcome.Stderr = stderrBuf.String()
	outcome.Truncated = stdout.truncated || stderr.truncated
	outcome.Resources = collectRusage(cmd)

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		outcome.TimedOut = true
		outcome.Killed = true
		outcome.KillReason = fmt.Sprintf("timeout after %s", timeout)
		return outcome, errdefs.New(errdefs.KindProcessTimeout, "%s timed out after %s", argv[0], timeout)
	case execCtx.Err() == context.Canceled:
		outcome.Killed = true
		outcome.KillReason = "canceled"
		return outcome, errdefs.Wrap(errdefs.KindProcessTimeout, context.Canceled, "%s canceled", argv[0])
	case waitErr == nil:
		outcome.ExitCode = 0
		return outcome, nil
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			outcome.ExitCode = exitErr.ExitCode()
			return outcome, nil
		}
		return nil, errdefs.Wrap(errdefs.KindProcessSpawn, waitErr, "running %s", argv[0])
	}
}

// prepareScratch creates the per-action scratch directory tree and the
// output parent directories.
func prepareScratch(spec *Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	scratch, err := os.MkdirTemp("", "forge-sandbox-*")
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindSandboxSetup, err, "creating sandbox scratch")
	}
	for _, out := range spec.Outputs {
		if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
			os.RemoveAll(scratch)
			return "", errdefs.Wrap(errdefs.KindSandboxSetup, err, "creating output dir for %s", out)
		}
	}
	for _, tmp := range spec.Temp {
		if err := os.MkdirAll(tmp, 0755); err != nil {
			os.RemoveAll(scratch)
			return "", errdefs.Wrap(errdefs.KindSandboxSetup, err, "creating temp dir %s", tmp)
		}
	}
	return scratch, nil
}
