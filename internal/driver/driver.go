// Package driver defines the language-driver contract the core dispatches
// through. Drivers are registered by language tag; the core knows the tag
// string and this interface, nothing else about a language.
package driver

import (
	"fmt"
	"sort"
	"sync"

	"forge/internal/action"
	"forge/internal/errdefs"
	"forge/internal/target"
)

// ImportRecord is one discovered intra-workspace file dependency: if Dep
// changes, Source should be re-analyzed.
type ImportRecord struct {
	Source string
	Dep    string
}

// WorkspaceInfo carries the invocation facts a driver needs to shape an
// action.
type WorkspaceInfo struct {
	Root      string
	OutputDir string
	Platform  string
}

// Driver produces concrete actions for targets of one language.
type Driver interface {
	// Language returns the tag this driver serves.
	Language() string

	// AnalyzeImports scans sources and reports per-file dependencies.
	// Used by incremental analysis; never adds graph edges.
	AnalyzeImports(sources []string) ([]ImportRecord, error)

	// BuildAction derives the concrete invocation for a target.
	BuildAction(t *target.Target, ws WorkspaceInfo) (*action.Action, error)

	// DeclaredOutputs lists the paths the target's action will write.
	DeclaredOutputs(t *target.Target, ws WorkspaceInfo) ([]string, error)
}

// Registry dispatches drivers by language tag. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver. Re-registering a tag replaces the previous
// driver; last registration wins.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Language()] = d
}

// Get returns the driver for a language tag.
func (r *Registry) Get(language string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[language]
	if !ok {
		return nil, errdefs.New(errdefs.KindInvalidValue,
			"no driver registered for language %q (registered: %v)", language, r.languagesLocked())
	}
	return d, nil
}

// Languages lists registered tags in sorted order.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.languagesLocked()
}

func (r *Registry) languagesLocked() []string {
	out := make([]string, 0, len(r.drivers))
	for lang := range r.drivers {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// String implements fmt.Stringer for diagnostics.
func (r *Registry) String() string {
	return fmt.Sprintf("driver.Registry%v", r.Languages())
}
