package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, workspace, body string) {
	t.Helper()
	dir := filepath.Join(workspace, ".forge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func resetState() {
	CloseAll()
	logsDir = ""
	config = loggingConfig{}
	logLevel = LevelInfo
}

func TestNoConfigMeansNoLogging(t *testing.T) {
	defer resetState()

	ws := t.TempDir()
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsDebugMode() {
		t.Fatal("debug mode should be off without a config file")
	}

	// Logging to a disabled system must not create the logs directory.
	Get(CategorySched).Info("dropped")
	if _, err := os.Stat(filepath.Join(ws, ".forge", "logs")); !os.IsNotExist(err) {
		t.Fatal("logs directory created in production mode")
	}
}

func TestDebugModeWritesCategoryFiles(t *testing.T) {
	defer resetState()

	ws := t.TempDir()
	writeConfig(t, ws, "logging:\n  debug_mode: true\n  level: debug\n")

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("debug mode should be on")
	}

	Sched("batch dispatched: %d", 3)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".forge", "logs"))
	if err != nil {
		t.Fatalf("reading logs dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".log" {
			found = true
		}
	}
	if !found {
		t.Fatal("no log files written in debug mode")
	}
}

func TestCategoryFilter(t *testing.T) {
	defer resetState()

	ws := t.TempDir()
	writeConfig(t, ws, "logging:\n  debug_mode: true\n  categories:\n    cache: false\n    sched: true\n")

	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if IsCategoryEnabled(CategoryCache) {
		t.Fatal("cache category should be disabled")
	}
	if !IsCategoryEnabled(CategorySched) {
		t.Fatal("sched category should be enabled")
	}
	// Unlisted categories default to enabled in debug mode.
	if !IsCategoryEnabled(CategoryVerify) {
		t.Fatal("unlisted category should default to enabled")
	}
}
