// Package action defines the concrete invocation the core executes: a
// command plus environment plus an explicit I/O specification, derived
// from a target by its language driver. The core never interprets the
// command; it only fingerprints it, sandboxes it, and captures what it
// declared it would write.
package action

import (
	"sort"
	"time"

	"forge/internal/errdefs"
)

// InputKind classifies a declared input path.
type InputKind string

const (
	// InputSource is a workspace source file.
	InputSource InputKind = "source"

	// InputTool is a toolchain binary or support file.
	InputTool InputKind = "tool"

	// InputDepOutput is an output produced by a dependency's action.
	InputDepOutput InputKind = "dep_output"
)

// InputSpec is one declared input.
type InputSpec struct {
	Path string    `json:"path"`
	Kind InputKind `json:"kind"`
}

// ResourceLimits constrains one action's execution.
type ResourceLimits struct {
	// MaxMemoryBytes limits resident memory. Zero means unlimited.
	MaxMemoryBytes int64 `json:"max_memory_bytes,omitempty"`

	// MaxCPUTime limits CPU time (not wall time). Zero means unlimited.
	MaxCPUTime time.Duration `json:"max_cpu_time,omitempty"`

	// MaxProcesses limits the process tree size. Zero means OS default.
	MaxProcesses int `json:"max_processes,omitempty"`
}

// Action is a concrete invocation derived from a target.
type Action struct {
	// TargetID is the label this action builds.
	TargetID string `json:"target_id"`

	// Command is the argv vector; Command[0] is the binary.
	Command []string `json:"command"`

	// Env is the environment visible inside the sandbox. Nothing else
	// leaks in.
	Env map[string]string `json:"env,omitempty"`

	// Inputs are the declared readable paths, in declaration order.
	Inputs []InputSpec `json:"inputs"`

	// Outputs are the declared writable paths, in declaration order.
	Outputs []string `json:"outputs"`

	// Limits constrains execution.
	Limits ResourceLimits `json:"limits,omitempty"`

	// Timeout bounds wall time; zero means the configured default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// NetworkEndpoints is the closed set of allowed endpoints. Empty
	// means network fully isolated.
	NetworkEndpoints []string `json:"network_endpoints,omitempty"`

	// ToolVersion identifies the toolchain for fingerprinting, e.g.
	// "gcc-13.2.0".
	ToolVersion string `json:"tool_version,omitempty"`

	// Platform is the os/arch tuple the action runs on.
	Platform string `json:"platform"`

	// Config carries the driver-relevant configuration that participates
	// in the fingerprint.
	Config map[string]string `json:"config,omitempty"`
}

// Validate enforces the structural invariants the executor relies on,
// most importantly I/O disjointness: a path may not be both read-declared
// and write-declared.
func (a *Action) Validate() error {
	if a.TargetID == "" {
		return errdefs.New(errdefs.KindMissingField, "action missing target id")
	}
	if len(a.Command) == 0 {
		return errdefs.New(errdefs.KindMissingField, "action for %s has empty command", a.TargetID).WithTarget(a.TargetID)
	}
	if len(a.Outputs) == 0 {
		return errdefs.New(errdefs.KindMissingField, "action for %s declares no outputs", a.TargetID).WithTarget(a.TargetID)
	}

	outs := make(map[string]bool, len(a.Outputs))
	for _, o := range a.Outputs {
		if outs[o] {
			return errdefs.New(errdefs.KindInvalidValue, "action for %s declares output %s twice", a.TargetID, o).WithTarget(a.TargetID)
		}
		outs[o] = true
	}
	for _, in := range a.Inputs {
		if outs[in.Path] {
			return errdefs.New(errdefs.KindInvalidValue,
				"action for %s declares %s as both input and output", a.TargetID, in.Path).WithTarget(a.TargetID)
		}
	}
	return nil
}

// InputPaths returns the declared input paths in declaration order.
func (a *Action) InputPaths() []string {
	out := make([]string, len(a.Inputs))
	for i, in := range a.Inputs {
		out[i] = in.Path
	}
	return out
}

// SortedEnvKeys returns env keys in canonical order.
func (a *Action) SortedEnvKeys() []string {
	keys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
