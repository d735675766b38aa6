package target

import "testing"

func TestParseLabel(t *testing.T) {
	cases := []struct {
		in      string
		want    Label
		wantErr bool
	}{
		{in: "//lib/strings:strings", want: Label{Package: "lib/strings", Name: "strings"}},
		{in: "//lib/strings", want: Label{Package: "lib/strings", Name: "strings"}},
		{in: "//app:main", want: Label{Package: "app", Name: "main"}},
		{in: ":helper", want: Label{Name: "helper"}},
		{in: "@protobuf//src:runtime", want: Label{Repo: "protobuf", Package: "src", Name: "runtime"}},
		{in: "", wantErr: true},
		{in: "lib:strings", wantErr: true},
		{in: "//pkg:", wantErr: true},
		{in: "@//pkg:x", wantErr: true},
		{in: "@repo:local", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLabel(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseLabel(%q) succeeded with %v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLabel(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseLabel(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestLabelStringIsCanonical(t *testing.T) {
	l := Label{Package: "lib/strings", Name: "strings"}
	if got := l.String(); got != "//lib/strings:strings" {
		t.Fatalf("String() = %q", got)
	}

	ext := Label{Repo: "proto", Package: "src", Name: "rt"}
	if got := ext.String(); got != "@proto//src:rt" {
		t.Fatalf("String() = %q", got)
	}
}

func TestLocalResolve(t *testing.T) {
	l, err := ParseLabel(":util")
	if err != nil {
		t.Fatal(err)
	}
	if !l.IsLocal() {
		t.Fatal("expected local label")
	}
	resolved := l.Resolve("lib/util")
	if resolved.String() != "//lib/util:util" {
		t.Fatalf("resolved = %s", resolved)
	}
}

func TestTargetValidate(t *testing.T) {
	valid := Target{
		ID:      "//app:main",
		Kind:    KindExecutable,
		Sources: []string{"app/main.c"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid target rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Target)
	}{
		{name: "no_id", mutate: func(tg *Target) { tg.ID = "" }},
		{name: "bad_id", mutate: func(tg *Target) { tg.ID = "app:main" }},
		{name: "no_kind", mutate: func(tg *Target) { tg.Kind = "" }},
		{name: "no_sources", mutate: func(tg *Target) { tg.Sources = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tg := valid
			tc.mutate(&tg)
			if err := tg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range ValidKinds {
		if got, err := ParseKind(string(k)); err != nil || got != k {
			t.Fatalf("ParseKind(%s) = %v, %v", k, got, err)
		}
	}
	if _, err := ParseKind("plugin"); err == nil {
		t.Fatal("unknown kind accepted")
	}
}
