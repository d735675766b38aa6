package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"forge/internal/errdefs"
	"forge/internal/graph"
	"forge/internal/target"
)

func fixtureGraph(t *testing.T) *graph.Graph {
	t.Helper()
	mk := func(id string, kind target.Kind, deps ...string) *target.Target {
		return &target.Target{ID: id, Kind: kind, Sources: []string{"s"}, Deps: deps}
	}
	g, err := graph.Build([]*target.Target{
		mk("//lib:base", target.KindLibrary),
		mk("//lib:strings", target.KindLibrary, "//lib:base"),
		mk("//app:main", target.KindExecutable, "//lib:strings"),
		mk("//app:main_test", target.KindTest, "//lib:strings"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestEval(t *testing.T) {
	g := fixtureGraph(t)

	cases := []struct {
		expr string
		want []string
	}{
		{expr: "//app:main", want: []string{"//app:main"}},
		{expr: "deps(//app:main)", want: []string{"//app:main", "//lib:base", "//lib:strings"}},
		{expr: "rdeps(//lib:base)", want: []string{"//app:main", "//app:main_test", "//lib:base", "//lib:strings"}},
		{expr: "//lib/...", want: []string{"//lib:base", "//lib:strings"}},
		{expr: "//app:main + //lib:base", want: []string{"//app:main", "//lib:base"}},
		{expr: "deps(//app:main) ^ deps(//app:main_test)", want: []string{"//lib:base", "//lib:strings"}},
		{expr: "deps(//app:main) - //lib/...", want: []string{"//app:main"}},
		{expr: "kind(test, rdeps(//lib:base))", want: []string{"//app:main_test"}},
		{expr: "kind(executable, //app/...)", want: []string{"//app:main"}},
		{expr: "(//app:main + //app:main_test) - kind(test, //app/...)", want: []string{"//app:main"}},
	}

	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Eval(g, tc.expr)
			if err != nil {
				t.Fatalf("Eval(%q): %v", tc.expr, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("Eval(%q) (-want +got):\n%s", tc.expr, diff)
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	g := fixtureGraph(t)

	cases := []struct {
		name string
		expr string
		kind errdefs.Kind
	}{
		{name: "unknown_target", expr: "//nope:nothing", kind: errdefs.KindTargetNotFound},
		{name: "empty_wildcard", expr: "//nope/...", kind: errdefs.KindTargetNotFound},
		{name: "trailing_garbage", expr: "//app:main )", kind: errdefs.KindInvalidValue},
		{name: "unclosed_call", expr: "deps(//app:main", kind: errdefs.KindInvalidValue},
		{name: "empty", expr: "", kind: errdefs.KindInvalidValue},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Eval(g, tc.expr)
			if err == nil {
				t.Fatalf("Eval(%q) succeeded", tc.expr)
			}
			if errdefs.KindOf(err) != tc.kind {
				t.Fatalf("kind = %s, want %s", errdefs.KindOf(err), tc.kind)
			}
		})
	}
}
