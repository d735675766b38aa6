// Package errdefs defines the error taxonomy shared by every forge
// subsystem: stable numeric codes, error kinds grouped into categories,
// and the retry policy that tells the executor which failures are worth
// another attempt.
//
// Kinds are the unit of policy. A kind belongs to exactly one category,
// and the category decides how the build reacts:
//
//   - Transient:      retried with exponential backoff
//   - Configuration:  fail fast, surface with location and suggestion
//   - Graph:          fail fast, abort the build
//   - Build:          reported per target, never retried
//   - Integrity:      invalidate the offending cache state, continue
//   - Fatal:          internal invariant broken, abort with diagnostics
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a specific failure mode. The string value is stable and
// appears in logs, checkpoints, and the CLI error report.
type Kind string

const (
	// Transient kinds.
	KindIO             Kind = "io_error"
	KindNetwork        Kind = "network_error"
	KindCacheLoad      Kind = "cache_load_failed"
	KindProcessTimeout Kind = "process_timeout"

	// Configuration kinds.
	KindMissingField Kind = "missing_field"
	KindInvalidGlob  Kind = "invalid_glob"
	KindInvalidValue Kind = "invalid_value"

	// Graph kinds.
	KindCircularDependency Kind = "circular_dependency"
	KindTargetNotFound     Kind = "target_not_found"
	KindMissingDependency  Kind = "missing_dependency"

	// Build kinds.
	KindCompileFailed Kind = "compile_failed"
	KindLinkFailed    Kind = "link_failed"
	KindTestFailed    Kind = "test_failed"

	// Integrity kinds.
	KindCacheCorrupted       Kind = "cache_corrupted"
	KindDeterminismViolation Kind = "determinism_violation"
	KindSandboxEscape        Kind = "sandbox_escape"
	KindVerificationFailed   Kind = "verification_failed"

	// Fatal kinds.
	KindInternal          Kind = "internal"
	KindInvalidTransition Kind = "invalid_status_transition"

	// Sandbox setup kinds. Setup failures are configuration-shaped (the
	// platform refused, nothing to retry); resource limits and spawn
	// failures are build-shaped.
	KindSandboxSetup  Kind = "sandbox_setup_failed"
	KindResourceLimit Kind = "resource_limit_exceeded"
	KindProcessSpawn  Kind = "process_spawn_failed"
)

// Category groups kinds by handling policy.
type Category int

const (
	CategoryTransient Category = iota
	CategoryConfiguration
	CategoryGraph
	CategoryBuild
	CategoryIntegrity
	CategoryFatal
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryConfiguration:
		return "configuration"
	case CategoryGraph:
		return "graph"
	case CategoryBuild:
		return "build"
	case CategoryIntegrity:
		return "integrity"
	case CategoryFatal:
		return "fatal"
	}
	return "unknown"
}

// kindInfo carries the stable numeric code and category for one kind.
// Codes are append-only: never renumber, never reuse.
type kindInfo struct {
	code     int
	category Category
}

var kindTable = map[Kind]kindInfo{
	KindIO:             {code: 100, category: CategoryTransient},
	KindNetwork:        {code: 101, category: CategoryTransient},
	KindCacheLoad:      {code: 102, category: CategoryTransient},
	KindProcessTimeout: {code: 103, category: CategoryTransient},

	KindMissingField: {code: 200, category: CategoryConfiguration},
	KindInvalidGlob:  {code: 201, category: CategoryConfiguration},
	KindInvalidValue: {code: 202, category: CategoryConfiguration},
	KindSandboxSetup: {code: 203, category: CategoryConfiguration},

	KindCircularDependency: {code: 300, category: CategoryGraph},
	KindTargetNotFound:     {code: 301, category: CategoryGraph},
	KindMissingDependency:  {code: 302, category: CategoryGraph},

	KindCompileFailed: {code: 400, category: CategoryBuild},
	KindLinkFailed:    {code: 401, category: CategoryBuild},
	KindTestFailed:    {code: 402, category: CategoryBuild},
	KindResourceLimit: {code: 403, category: CategoryBuild},
	KindProcessSpawn:  {code: 404, category: CategoryBuild},

	KindCacheCorrupted:       {code: 500, category: CategoryIntegrity},
	KindDeterminismViolation: {code: 501, category: CategoryIntegrity},
	KindSandboxEscape:        {code: 502, category: CategoryIntegrity},
	KindVerificationFailed:   {code: 503, category: CategoryIntegrity},

	KindInternal:          {code: 900, category: CategoryFatal},
	KindInvalidTransition: {code: 901, category: CategoryFatal},
}

// Code returns the stable numeric code for a kind (0 if unknown).
func (k Kind) Code() int {
	return kindTable[k].code
}

// Category returns the handling category for a kind. Unknown kinds are
// treated as fatal so that a typo cannot silently downgrade a failure.
func (k Kind) Category() Category {
	info, ok := kindTable[k]
	if !ok {
		return CategoryFatal
	}
	return info.category
}

// Retryable reports whether the executor may retry an error of this kind.
func (k Kind) Retryable() bool {
	return k.Category() == CategoryTransient
}

// BuildError is the structured error every subsystem surfaces to the CLI.
// It carries the stable code, the kind, an optional source location with
// snippet context, and optional suggestions (used for typo corrections on
// target references).
type BuildError struct {
	Kind        Kind
	Message     string
	File        string
	Line        int
	Column      int
	Snippet     string
	Suggestions []string

	// Target is the label of the target this error is attributed to,
	// when one is known.
	Target string

	cause error
}

// New creates a BuildError of the given kind.
func New(kind Kind, format string, args ...interface{}) *BuildError {
	return &BuildError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a BuildError that records cause for errors.Is/As chains.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *BuildError {
	return &BuildError{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithLocation attaches a source position to the error.
func (e *BuildError) WithLocation(file string, line, column int) *BuildError {
	e.File = file
	e.Line = line
	e.Column = column
	return e
}

// WithSnippet attaches source context shown under the error message.
func (e *BuildError) WithSnippet(snippet string) *BuildError {
	e.Snippet = snippet
	return e
}

// WithSuggestions attaches "did you mean" candidates.
func (e *BuildError) WithSuggestions(suggestions ...string) *BuildError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithTarget attributes the error to a target label.
func (e *BuildError) WithTarget(label string) *BuildError {
	e.Target = label
	return e
}

// Code returns the stable numeric code.
func (e *BuildError) Code() int { return e.Kind.Code() }

// Retryable reports whether this error may be retried.
func (e *BuildError) Retryable() bool { return e.Kind.Retryable() }

func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "E%03d [%s] %s", e.Kind.Code(), e.Kind, e.Message)
	if e.Target != "" {
		fmt.Fprintf(&b, " (target %s)", e.Target)
	}
	if e.File != "" {
		fmt.Fprintf(&b, " at %s", e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
	}
	if len(e.Suggestions) > 0 {
		fmt.Fprintf(&b, " (did you mean %s?)", strings.Join(e.Suggestions, ", "))
	}
	return b.String()
}

func (e *BuildError) Unwrap() error { return e.cause }

// KindOf extracts the Kind from an error chain. Errors that are not
// BuildErrors report KindInternal: an untyped error reaching policy code
// is itself a bug worth surfacing loudly.
func KindOf(err error) Kind {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the first BuildError in the chain is
// retryable.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Sentinel errors for the content store. These are wrapped into
// BuildErrors at the cache boundary; inner layers compare with errors.Is.
var (
	// ErrNotFound reports an absent blob or cache entry.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted reports an on-disk hash mismatch.
	ErrCorrupted = errors.New("corrupted")
)
