package driver

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"forge/internal/action"
	"forge/internal/errdefs"
	"forge/internal/target"
)

// Generic is the reference driver: it understands no language. The
// target's config supplies the command template and, optionally, an
// import-matching regex, so the whole pipeline (fingerprinting, sandbox,
// cache, incremental analysis) can be exercised without a compiler
// driver.
//
// Recognized config keys:
//
//	cmd            command template; {sources}, {output}, {outputs} expand
//	tool_version   folded into the fingerprint
//	import_re      regex whose first capture names an imported relative path
//	timeout        per-action wall-time bound, Go duration syntax
type Generic struct {
	// Tag lets tests register the generic driver under several language
	// names. Empty means "generic".
	Tag string
}

// Language returns the registered tag.
func (g *Generic) Language() string {
	if g.Tag == "" {
		return "generic"
	}
	return g.Tag
}

// AnalyzeImports applies no default heuristics and reports no file
// dependencies. It receives only source paths, so a target's import_re is
// not applied here.
func (g *Generic) AnalyzeImports(sources []string) ([]ImportRecord, error) {
	return nil, nil
}

// AnalyzeImportsWith scans source content with the declared regex. The
// caller supplies the pattern and the file contents; the build and
// incremental paths call AnalyzeImports, not this form.
func (g *Generic) AnalyzeImportsWith(pattern string, contents map[string][]byte) ([]ImportRecord, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidValue, err, "import_re %q", pattern)
	}

	var records []ImportRecord
	for src, data := range contents {
		for _, m := range re.FindAllSubmatch(data, -1) {
			if len(m) < 2 {
				continue
			}
			dep := filepath.Join(filepath.Dir(src), string(m[1]))
			records = append(records, ImportRecord{Source: src, Dep: dep})
		}
	}
	return records, nil
}

// BuildAction expands the command template into a concrete action.
func (g *Generic) BuildAction(t *target.Target, ws WorkspaceInfo) (*action.Action, error) {
	tmpl := t.Config["cmd"]
	if tmpl == "" {
		return nil, errdefs.New(errdefs.KindMissingField,
			"target %s (language %s) has no cmd in config", t.ID, t.Language).WithTarget(t.ID)
	}

	outputs, err := g.DeclaredOutputs(t, ws)
	if err != nil {
		return nil, err
	}

	expanded := strings.NewReplacer(
		"{sources}", strings.Join(t.Sources, " "),
		"{output}", outputs[0],
		"{outputs}", strings.Join(outputs, " "),
	).Replace(tmpl)

	argv := strings.Fields(expanded)
	if len(argv) == 0 {
		return nil, errdefs.New(errdefs.KindInvalidValue, "target %s cmd expands to nothing", t.ID).WithTarget(t.ID)
	}

	inputs := make([]action.InputSpec, 0, len(t.Sources))
	for _, s := range t.Sources {
		inputs = append(inputs, action.InputSpec{Path: s, Kind: action.InputSource})
	}

	act := &action.Action{
		TargetID:    t.ID,
		Command:     argv,
		Env:         map[string]string{"PATH": "/usr/bin:/bin"},
		Inputs:      inputs,
		Outputs:     outputs,
		Platform:    ws.Platform,
		ToolVersion: t.Config["tool_version"],
		Config:      relevantConfig(t.Config),
	}
	if ws.Platform == "" {
		act.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	if raw := t.Config["timeout"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidValue, err, "target %s timeout", t.ID)
		}
		act.Timeout = d
	}
	if err := act.Validate(); err != nil {
		return nil, err
	}
	return act, nil
}

// DeclaredOutputs derives output paths: the declared output_path, or one
// derived file per target under the output directory.
func (g *Generic) DeclaredOutputs(t *target.Target, ws WorkspaceInfo) ([]string, error) {
	if t.OutputPath != "" {
		return []string{t.OutputPath}, nil
	}
	lbl, err := target.ParseLabel(t.ID)
	if err != nil {
		return nil, err
	}
	return []string{filepath.Join(ws.OutputDir, lbl.Package, lbl.Name+".out")}, nil
}

// relevantConfig filters the config mapping to the keys that change build
// semantics; cmd is already covered by the command vector.
func relevantConfig(cfg map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range cfg {
		switch k {
		case "cmd", "tool_version", "timeout", "import_re":
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var _ Driver = (*Generic)(nil)

// String aids test failure output.
func (g *Generic) String() string { return fmt.Sprintf("generic driver (%s)", g.Language()) }
