package analyze

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"forge/internal/errdefs"
)

// DeclFileName is the per-package declaration file.
const DeclFileName = "FORGE.yaml"

// Declaration is one raw target declaration as written in FORGE.yaml.
type Declaration struct {
	Name       string            `yaml:"name"`
	Kind       string            `yaml:"kind"`
	Language   string            `yaml:"language"`
	Sources    []string          `yaml:"sources"`
	Deps       []string          `yaml:"deps"`
	OutputPath string            `yaml:"output_path"`
	Config     map[string]string `yaml:"config"`
}

// DeclFile is one parsed FORGE.yaml.
type DeclFile struct {
	// Package is the workspace-relative package path; defaults to the
	// directory holding the file.
	Package string `yaml:"package"`

	Targets []Declaration `yaml:"targets"`

	// Path is where the file was read from (set by the loader, not the
	// file).
	Path string `yaml:"-"`
}

// LoadWorkspace discovers and parses every FORGE.yaml under root,
// skipping dot-directories and the output tree. Results are sorted by
// package path so analysis order is deterministic.
func LoadWorkspace(root string, skipDirs []string) ([]*DeclFile, error) {
	skip := make(map[string]bool, len(skipDirs))
	for _, d := range skipDirs {
		skip[d] = true
	}

	var files []*DeclFile
	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			name := entry.Name()
			if path != root && (name[0] == '.' || skip[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Name() != DeclFileName {
			return nil
		}

		df, perr := parseDeclFile(root, path)
		if perr != nil {
			return perr
		}
		files = append(files, df)
		return nil
	})
	if err != nil {
		if be, ok := err.(*errdefs.BuildError); ok {
			return nil, be
		}
		return nil, errdefs.Wrap(errdefs.KindIO, err, "walking workspace %s", root)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Package < files[j].Package })
	return files, nil
}

func parseDeclFile(root, path string) (*DeclFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, err, "reading %s", path)
	}

	var df DeclFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidValue, err, "parsing %s", path).WithLocation(path, 0, 0)
	}
	df.Path = path

	if df.Package == "" {
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindIO, err, "relativizing %s", path)
		}
		if rel == "." {
			rel = ""
		}
		df.Package = filepath.ToSlash(rel)
	}
	return &df, nil
}

// expandGlobs resolves the declared source patterns against the package
// directory. Results are workspace-relative, deduplicated, and sorted.
// Patterns support ** via doublestar. A pattern that is not a valid glob
// is an InvalidGlob error; a literal path that matches nothing is kept
// verbatim so the missing file surfaces as a hashing error with the real
// path, while a wildcard matching nothing is silently empty.
func expandGlobs(root, pkg string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return nil, errdefs.New(errdefs.KindInvalidGlob, "invalid glob %q in package %s", pat, pkg)
		}

		base := filepath.Join(root, filepath.FromSlash(pkg))
		matches, err := doublestar.Glob(os.DirFS(base), pat)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidGlob, err, "glob %q in package %s", pat, pkg)
		}

		if len(matches) == 0 && !hasMeta(pat) {
			matches = []string{pat}
		}
		for _, m := range matches {
			rel := filepath.ToSlash(filepath.Join(pkg, m))
			if !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
		}
	}

	sort.Strings(out)
	return out, nil
}

func hasMeta(pat string) bool {
	for _, c := range pat {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
