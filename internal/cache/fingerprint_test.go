package cache

import (
	"testing"

	"forge/internal/action"
	"forge/internal/hashing"
)

func sampleAction() *action.Action {
	return &action.Action{
		TargetID: "//lib:core",
		Command:  []string{"cc", "-c", "core.c", "-o", "core.o"},
		Env:      map[string]string{"PATH": "/usr/bin", "LANG": "C"},
		Inputs:   []action.InputSpec{{Path: "lib/core.c", Kind: action.InputSource}},
		Outputs:  []string{"lib/core.o"},
		Platform: "linux/amd64",

		ToolVersion: "cc-13.2.0",
	}
}

func sampleDigests() map[string]hashing.Digest {
	return map[string]hashing.Digest{
		"lib/core.c": hashing.Hash([]byte("int main() {}")),
		"lib/core.h": hashing.Hash([]byte("#pragma once")),
	}
}

func TestFingerprintIsPure(t *testing.T) {
	a, b := sampleAction(), sampleAction()
	if Fingerprint(a, sampleDigests()) != Fingerprint(b, sampleDigests()) {
		t.Fatal("identical inputs produced different fingerprints")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint(sampleAction(), sampleDigests())

	cases := []struct {
		name   string
		mutate func(*action.Action, map[string]hashing.Digest)
	}{
		{name: "command", mutate: func(a *action.Action, _ map[string]hashing.Digest) {
			a.Command = append(a.Command, "-O2")
		}},
		{name: "command_order", mutate: func(a *action.Action, _ map[string]hashing.Digest) {
			a.Command[1], a.Command[2] = a.Command[2], a.Command[1]
		}},
		{name: "env_value", mutate: func(a *action.Action, _ map[string]hashing.Digest) {
			a.Env["LANG"] = "en_US.UTF-8"
		}},
		{name: "tool_version", mutate: func(a *action.Action, _ map[string]hashing.Digest) {
			a.ToolVersion = "cc-14.0.0"
		}},
		{name: "platform", mutate: func(a *action.Action, _ map[string]hashing.Digest) {
			a.Platform = "darwin/arm64"
		}},
		{name: "input_content", mutate: func(_ *action.Action, d map[string]hashing.Digest) {
			d["lib/core.c"] = hashing.Hash([]byte("int main() { return 1; }"))
		}},
		{name: "outputs", mutate: func(a *action.Action, _ map[string]hashing.Digest) {
			a.Outputs = []string{"lib/core2.o"}
		}},
		{name: "config", mutate: func(a *action.Action, _ map[string]hashing.Digest) {
			a.Config = map[string]string{"opt": "3"}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := sampleAction()
			d := sampleDigests()
			tc.mutate(a, d)
			if Fingerprint(a, d) == base {
				t.Fatalf("mutation %q did not change fingerprint", tc.name)
			}
		})
	}
}

func TestFingerprintIgnoresInputPathsAndMapOrder(t *testing.T) {
	base := Fingerprint(sampleAction(), sampleDigests())

	// Same content digests under different paths: same key.
	moved := map[string]hashing.Digest{
		"moved/core.c": hashing.Hash([]byte("int main() {}")),
		"moved/core.h": hashing.Hash([]byte("#pragma once")),
	}
	if Fingerprint(sampleAction(), moved) != base {
		t.Fatal("renaming inputs without content change altered the fingerprint")
	}
}
