package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindCategories(t *testing.T) {
	cases := []struct {
		kind Kind
		want Category
	}{
		{KindIO, CategoryTransient},
		{KindNetwork, CategoryTransient},
		{KindCacheLoad, CategoryTransient},
		{KindProcessTimeout, CategoryTransient},
		{KindMissingField, CategoryConfiguration},
		{KindInvalidGlob, CategoryConfiguration},
		{KindCircularDependency, CategoryGraph},
		{KindTargetNotFound, CategoryGraph},
		{KindCompileFailed, CategoryBuild},
		{KindTestFailed, CategoryBuild},
		{KindCacheCorrupted, CategoryIntegrity},
		{KindDeterminismViolation, CategoryIntegrity},
		{KindInternal, CategoryFatal},
		{KindInvalidTransition, CategoryFatal},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			if got := tc.kind.Category(); got != tc.want {
				t.Fatalf("Category(%s) = %v, want %v", tc.kind, got, tc.want)
			}
		})
	}
}

func TestOnlyTransientRetryable(t *testing.T) {
	for kind := range kindTable {
		want := kind.Category() == CategoryTransient
		if got := kind.Retryable(); got != want {
			t.Fatalf("Retryable(%s) = %v, want %v", kind, got, want)
		}
	}
}

func TestCodesAreUniqueAndStable(t *testing.T) {
	seen := map[int]Kind{}
	for kind, info := range kindTable {
		if info.code == 0 {
			t.Fatalf("kind %s has no code", kind)
		}
		if prev, dup := seen[info.code]; dup {
			t.Fatalf("code %d assigned to both %s and %s", info.code, prev, kind)
		}
		seen[info.code] = kind
	}

	// A few anchors that must never move.
	if KindIO.Code() != 100 {
		t.Fatalf("KindIO code changed: %d", KindIO.Code())
	}
	if KindCircularDependency.Code() != 300 {
		t.Fatalf("KindCircularDependency code changed: %d", KindCircularDependency.Code())
	}
}

func TestUnknownKindIsFatal(t *testing.T) {
	k := Kind("no_such_kind")
	if k.Category() != CategoryFatal {
		t.Fatalf("unknown kind category = %v, want fatal", k.Category())
	}
	if k.Retryable() {
		t.Fatal("unknown kind must not be retryable")
	}
}

func TestBuildErrorFormatting(t *testing.T) {
	err := New(KindTargetNotFound, "no target %q", "//lib:strs").
		WithLocation("FORGE.yaml", 12, 3).
		WithSuggestions("//lib:strings").
		WithTarget("//app:main")

	msg := err.Error()
	for _, want := range []string{"E301", "target_not_found", "//lib:strs", "FORGE.yaml:12:3", "//lib:strings", "//app:main"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func TestKindOfUnwrapsChains(t *testing.T) {
	inner := New(KindIO, "read failed")
	wrapped := fmt.Errorf("fetching inputs: %w", inner)

	if got := KindOf(wrapped); got != KindIO {
		t.Fatalf("KindOf = %s, want %s", got, KindIO)
	}
	if !IsRetryable(wrapped) {
		t.Fatal("wrapped io_error should be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("untyped errors must not be retryable")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := ErrCorrupted
	err := Wrap(KindCacheCorrupted, cause, "blob %s", "ab12")
	if !errors.Is(err, ErrCorrupted) {
		t.Fatal("errors.Is should find the cause through BuildError")
	}
}
