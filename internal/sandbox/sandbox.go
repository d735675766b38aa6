// Package sandbox provides the platform-abstracted hermetic execution
// environment. The contract is identical everywhere: Prepare materializes
// an Environment from a Spec, Execute runs one command inside it, and
// Teardown is guaranteed on all exit paths.
//
// Isolation strength varies by platform. Linux uses namespaces plus
// cgroup v2 limits where the kernel permits; other platforms degrade to
// best-effort path restriction with process-group kill. An Environment
// always reports the strength it actually achieved via Hermetic(), and
// strict callers refuse degraded environments.
package sandbox

import (
	"context"
	"time"

	"forge/internal/action"
	"forge/internal/errdefs"
)

// Spec is the set-theoretic description of an execution environment.
type Spec struct {
	// WorkDir is the directory the command starts in.
	WorkDir string

	// Inputs are paths visible read-only.
	Inputs []string

	// Outputs are paths visible read-write; their parent directories are
	// created during Prepare.
	Outputs []string

	// Temp are read-write scratch paths, discarded at teardown.
	Temp []string

	// NetworkEndpoints is the closed set of allowed endpoints. Empty
	// means the network is isolated entirely.
	NetworkEndpoints []string

	// EnvAllowlist names the only environment variables the process may
	// inherit from the Env map handed to Execute.
	EnvAllowlist []string

	// Limits constrains resource use.
	Limits action.ResourceLimits
}

// Validate enforces the core invariant I ∩ O = ∅.
func (s *Spec) Validate() error {
	out := make(map[string]bool, len(s.Outputs))
	for _, o := range s.Outputs {
		out[o] = true
	}
	for _, in := range s.Inputs {
		if out[in] {
			return errdefs.New(errdefs.KindInvalidValue,
				"sandbox spec: %s declared as both input and output", in)
		}
	}
	return nil
}

// Outcome is the result of one sandboxed execution.
type Outcome struct {
	// ExitCode is the command's exit code, -1 when it never ran.
	ExitCode int

	// Stdout and Stderr are the captured streams, possibly truncated.
	Stdout string
	Stderr string

	// Truncated reports whether output capping discarded bytes.
	Truncated bool

	// Duration is wall time from start to completion.
	Duration time.Duration

	StartedAt  time.Time
	FinishedAt time.Time

	// TimedOut reports the command exceeded its wall-time bound and was
	// killed along with its process tree.
	TimedOut bool

	// Killed reports forcible termination (timeout or cancellation).
	Killed bool

	KillReason string

	// Hermetic reports whether full isolation was in force. False means
	// the platform degraded to best-effort restriction.
	Hermetic bool

	// Resources carries usage metrics when the platform provides them.
	Resources *ResourceUsage
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	UserTime    time.Duration
	SystemTime  time.Duration
	MaxRSSBytes int64
}

// Environment is one prepared sandbox instance. Environments are
// single-use: one Execute, then Teardown.
type Environment interface {
	// Execute runs the command inside the environment. env carries the
	// candidate variables; only spec.EnvAllowlist names pass through.
	// Infrastructure failures return an error; a command that ran and
	// failed is a non-zero ExitCode with a nil error.
	Execute(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) (*Outcome, error)

	// Hermetic reports the isolation strength actually achieved.
	Hermetic() bool

	// Teardown releases everything. Safe to call more than once.
	Teardown() error
}

// Sandbox prepares environments.
type Sandbox interface {
	// Name identifies the implementation for logs and capability checks.
	Name() string

	// Prepare materializes an environment for one action.
	Prepare(spec *Spec) (Environment, error)
}

// New returns the strongest sandbox this platform supports.
func New() Sandbox {
	return platformSandbox()
}
