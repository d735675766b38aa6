// Package target defines the declared unit of work: the Target model and
// the label grammar used to reference targets across the workspace.
package target

import (
	"fmt"

	"forge/internal/errdefs"
)

// Kind classifies what a target produces.
type Kind string

const (
	KindExecutable Kind = "executable"
	KindLibrary    Kind = "library"
	KindTest       Kind = "test"
	KindCustom     Kind = "custom"
)

// ValidKinds lists every accepted kind value.
var ValidKinds = []Kind{KindExecutable, KindLibrary, KindTest, KindCustom}

// ParseKind validates a declared kind string.
func ParseKind(s string) (Kind, error) {
	for _, k := range ValidKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errdefs.New(errdefs.KindInvalidValue, "unknown target kind %q (valid: %v)", s, ValidKinds)
}

// Target is a declared buildable unit. Immutable after graph construction:
// the analyzer builds targets, the graph owns them, nothing mutates them.
type Target struct {
	// ID is the fully-qualified label, e.g. //lib/strings:strings.
	ID string `yaml:"id" json:"id"`

	// Kind is what this target produces.
	Kind Kind `yaml:"kind" json:"kind"`

	// Language is the language tag used to select a driver. Opaque to the
	// core.
	Language string `yaml:"language" json:"language"`

	// Sources are the expanded, sorted source paths (workspace-relative).
	Sources []string `yaml:"sources" json:"sources"`

	// Deps are resolved dependency labels.
	Deps []string `yaml:"dependencies" json:"dependencies"`

	// OutputPath is the declared primary output, when the declaration
	// names one.
	OutputPath string `yaml:"output_path,omitempty" json:"output_path,omitempty"`

	// Config is the opaque per-language configuration mapping.
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

// Validate checks the structural invariants a constructed target must hold.
func (t *Target) Validate() error {
	if t.ID == "" {
		return errdefs.New(errdefs.KindMissingField, "target missing id")
	}
	if _, err := ParseLabel(t.ID); err != nil {
		return err
	}
	if t.Kind == "" {
		return errdefs.New(errdefs.KindMissingField, "target %s missing kind", t.ID).WithTarget(t.ID)
	}
	if len(t.Sources) == 0 {
		return errdefs.New(errdefs.KindMissingField, "target %s declares no sources", t.ID).WithTarget(t.ID)
	}
	return nil
}

// Label is a parsed target reference.
//
// Grammar:
//
//	//pkg/path:name    absolute reference within the workspace
//	//pkg/path         shorthand for //pkg/path:<last path segment>
//	:name              local reference, resolved against the declaring package
//	@repo//pkg:name    external-repository reference
type Label struct {
	// Repo is the external repository name, empty for the main workspace.
	Repo string

	// Package is the package path relative to the (repo) root.
	Package string

	// Name is the target name within the package.
	Name string
}

// String renders the canonical form of the label.
func (l Label) String() string {
	s := ""
	if l.Repo != "" {
		s = "@" + l.Repo
	}
	return fmt.Sprintf("%s//%s:%s", s, l.Package, l.Name)
}

// IsLocal reports whether the label was written in :name form.
func (l Label) IsLocal() bool {
	return l.Repo == "" && l.Package == "" && l.Name != ""
}

// ParseLabel parses a target reference in any of the accepted forms.
// Local references (":name") parse to a Label with empty Package; callers
// resolve them against the declaring package with Resolve.
func ParseLabel(s string) (Label, error) {
	if s == "" {
		return Label{}, errdefs.New(errdefs.KindInvalidValue, "empty target reference")
	}

	var l Label
	rest := s

	if rest[0] == '@' {
		// @repo//pkg:name
		i := indexOf(rest, "//")
		if i < 0 {
			return Label{}, errdefs.New(errdefs.KindInvalidValue, "external reference %q missing //", s)
		}
		l.Repo = rest[1:i]
		if l.Repo == "" {
			return Label{}, errdefs.New(errdefs.KindInvalidValue, "external reference %q has empty repo", s)
		}
		rest = rest[i:]
	}

	switch {
	case len(rest) >= 2 && rest[:2] == "//":
		rest = rest[2:]
		if i := indexOf(rest, ":"); i >= 0 {
			l.Package = rest[:i]
			l.Name = rest[i+1:]
		} else {
			// //pkg/path shorthand: name is the last path segment.
			l.Package = rest
			l.Name = lastSegment(rest)
		}
	case rest[0] == ':':
		if l.Repo != "" {
			return Label{}, errdefs.New(errdefs.KindInvalidValue, "external reference %q cannot be local", s)
		}
		l.Name = rest[1:]
	default:
		return Label{}, errdefs.New(errdefs.KindInvalidValue, "target reference %q must start with //, :, or @", s)
	}

	if l.Name == "" {
		return Label{}, errdefs.New(errdefs.KindInvalidValue, "target reference %q has empty name", s)
	}
	return l, nil
}

// Resolve completes a local label against the package that declared it.
// Non-local labels pass through unchanged.
func (l Label) Resolve(declaringPackage string) Label {
	if l.IsLocal() {
		l.Package = declaringPackage
	}
	return l
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func lastSegment(pkg string) string {
	for i := len(pkg) - 1; i >= 0; i-- {
		if pkg[i] == '/' {
			return pkg[i+1:]
		}
	}
	return pkg
}
