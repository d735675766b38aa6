// Package config holds all forge configuration. Configuration is read from
// <workspace>/.forge/config.yaml, falls back to defaults when the file is
// absent, and honors a small set of environment overrides so CI systems can
// redirect the cache without touching the workspace.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// DeterminismMode controls determinism enforcement in the executor.
type DeterminismMode string

const (
	DeterminismOff    DeterminismMode = "off"
	DeterminismWarn   DeterminismMode = "warn"
	DeterminismStrict DeterminismMode = "strict"
)

// Config holds all forge configuration.
type Config struct {
	// Workspace paths
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Build execution settings
	Build BuildConfig `yaml:"build"`

	// Local cache settings
	Cache CacheConfig `yaml:"cache"`

	// Optional remote cache tier
	Remote RemoteConfig `yaml:"remote"`

	// Logging (consumed by internal/logging; kept here so Save round-trips
	// the whole file)
	Logging LoggingConfig `yaml:"logging"`
}

// WorkspaceConfig locates the workspace on disk.
type WorkspaceConfig struct {
	// Root is the workspace root. Empty means the directory containing
	// .forge/.
	Root string `yaml:"root"`

	// OutputDir is where built artifacts are materialized, relative to
	// Root unless absolute.
	OutputDir string `yaml:"output_dir"`

	// CacheDir is the cache root, relative to Root unless absolute.
	CacheDir string `yaml:"cache_dir"`
}

// BuildConfig controls the scheduler and executor.
type BuildConfig struct {
	// Parallelism bounds concurrently Building actions. Zero means
	// runtime.NumCPU().
	Parallelism int `yaml:"parallelism"`

	// FailFast stops submitting new work after the first failure.
	FailFast bool `yaml:"fail_fast"`

	// RetryEnabled toggles transient-error retries.
	RetryEnabled bool `yaml:"retry_enabled"`

	// CheckpointEnabled toggles resume-state persistence.
	CheckpointEnabled bool `yaml:"checkpoint_enabled"`

	// CheckpointMaxAge is how old a checkpoint may be and still be loaded.
	CheckpointMaxAge string `yaml:"checkpoint_max_age"`

	// ActionTimeout is the default per-action timeout.
	ActionTimeout string `yaml:"action_timeout"`

	// Determinism selects enforcement mode: off, warn, strict.
	Determinism DeterminismMode `yaml:"determinism"`
}

// CacheConfig controls the local blob store and action index.
type CacheConfig struct {
	// MaxSize bounds the blob store before eviction, e.g. "10GB".
	// Empty means unbounded.
	MaxSize string `yaml:"max_size"`

	// VerifyOnRead re-hashes blobs as they are read from the store.
	VerifyOnRead bool `yaml:"verify_on_read"`
}

// RemoteConfig configures the optional remote cache tier.
type RemoteConfig struct {
	// Endpoint is the remote cache base URL; empty disables the tier.
	Endpoint string `yaml:"endpoint"`

	// Token is the bearer token. Usually injected via FORGE_REMOTE_TOKEN
	// rather than written to disk.
	Token string `yaml:"token"`

	// GlobalRPS caps requests per second across all endpoints.
	GlobalRPS float64 `yaml:"global_rps"`

	// PerEndpointRPS caps requests per second for each operation class
	// (GET, PUT, HEAD) separately.
	PerEndpointRPS float64 `yaml:"per_endpoint_rps"`
}

// LoggingConfig mirrors the section read by internal/logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			OutputDir: "forge-out",
			CacheDir:  filepath.Join(".forge", "cache"),
		},
		Build: BuildConfig{
			Parallelism:       0, // NumCPU
			FailFast:          false,
			RetryEnabled:      true,
			CheckpointEnabled: true,
			CheckpointMaxAge:  "72h",
			ActionTimeout:     "10m",
			Determinism:       DeterminismOff,
		},
		Cache: CacheConfig{
			MaxSize:      "10GB",
			VerifyOnRead: false,
		},
		Remote: RemoteConfig{
			GlobalRPS:      50,
			PerEndpointRPS: 20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, returning defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("FORGE_CACHE_DIR"); dir != "" {
		c.Workspace.CacheDir = dir
	}
	if jobs := os.Getenv("FORGE_JOBS"); jobs != "" {
		if n, err := strconv.Atoi(jobs); err == nil && n > 0 {
			c.Build.Parallelism = n
		}
	}
	if ep := os.Getenv("FORGE_REMOTE_CACHE"); ep != "" {
		c.Remote.Endpoint = ep
	}
	if tok := os.Getenv("FORGE_REMOTE_TOKEN"); tok != "" {
		c.Remote.Token = tok
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Build.Parallelism < 0 {
		return fmt.Errorf("build.parallelism must be >= 0, got %d", c.Build.Parallelism)
	}
	switch c.Build.Determinism {
	case DeterminismOff, DeterminismWarn, DeterminismStrict, "":
	default:
		return fmt.Errorf("build.determinism must be off, warn, or strict, got %q", c.Build.Determinism)
	}
	if c.Cache.MaxSize != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(c.Cache.MaxSize)); err != nil {
			return fmt.Errorf("cache.max_size %q: %w", c.Cache.MaxSize, err)
		}
	}
	if _, err := time.ParseDuration(c.Build.CheckpointMaxAge); c.Build.CheckpointMaxAge != "" && err != nil {
		return fmt.Errorf("build.checkpoint_max_age %q: %w", c.Build.CheckpointMaxAge, err)
	}
	if _, err := time.ParseDuration(c.Build.ActionTimeout); c.Build.ActionTimeout != "" && err != nil {
		return fmt.Errorf("build.action_timeout %q: %w", c.Build.ActionTimeout, err)
	}
	return nil
}

// Jobs returns the effective parallelism bound.
func (c *Config) Jobs() int {
	if c.Build.Parallelism > 0 {
		return c.Build.Parallelism
	}
	return runtime.NumCPU()
}

// GetCheckpointMaxAge returns the checkpoint age bound as a duration.
func (c *Config) GetCheckpointMaxAge() time.Duration {
	d, err := time.ParseDuration(c.Build.CheckpointMaxAge)
	if err != nil {
		return 72 * time.Hour
	}
	return d
}

// GetActionTimeout returns the default action timeout as a duration.
func (c *Config) GetActionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Build.ActionTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// CacheMaxBytes returns the cache size bound in bytes, 0 for unbounded.
func (c *Config) CacheMaxBytes() int64 {
	if c.Cache.MaxSize == "" {
		return 0
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(c.Cache.MaxSize)); err != nil {
		return 0
	}
	return int64(v.Bytes())
}

// CacheRoot resolves the cache directory against the workspace root.
func (c *Config) CacheRoot(workspaceRoot string) string {
	if filepath.IsAbs(c.Workspace.CacheDir) {
		return c.Workspace.CacheDir
	}
	return filepath.Join(workspaceRoot, c.Workspace.CacheDir)
}

// OutputRoot resolves the output directory against the workspace root.
func (c *Config) OutputRoot(workspaceRoot string) string {
	if filepath.IsAbs(c.Workspace.OutputDir) {
		return c.Workspace.OutputDir
	}
	return filepath.Join(workspaceRoot, c.Workspace.OutputDir)
}
