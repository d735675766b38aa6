// Package main implements the forge CLI - the core of a polyglot
// monorepo build system.
//
// This file is the entry point and command registration hub. Command
// implementations live in cmd_*.go files:
//
//   - cmd_build.go  - buildCmd, testCmd, runBuild()
//   - cmd_resume.go - resumeCmd (checkpoint-driven continuation)
//   - cmd_graph.go  - graphCmd (DOT/text export)
//   - cmd_query.go  - queryCmd (set-algebra evaluation)
//   - cmd_verify.go - verifyCmd (verification suite + certificate)
//   - cmd_clean.go  - cleanCmd (cache and output removal, --prune)
//   - cmd_stats.go  - statsCmd (cache statistics)
//   - cmd_watch.go  - watchCmd (fsnotify rebuild loop)
//   - app.go        - shared bootstrap (config, cache, graph, executor)
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"forge/internal/errdefs"
	"forge/internal/logging"
)

// Exit codes.
const (
	exitOK       = 0
	exitBuild    = 1
	exitUsage    = 2
	exitInternal = 139
)

var (
	// Global flags
	verbose   bool
	workspace string
	jobs      int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - content-addressed polyglot monorepo build system",
	Long: `forge builds a declared target graph correctly, reproducibly, and with
maximum cache reuse: hermetic per-action sandboxing, a content-addressed
two-tier action cache, and an event-driven parallel scheduler.

Target declarations live in FORGE.yaml files; state lives under .forge/.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		// File-based category logging for debugging; never fatal.
		ws, err := resolveWorkspace()
		if err == nil {
			if lerr := logging.Initialize(ws); lerr != nil {
				fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", lerr)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().IntVarP(&jobs, "jobs", "j", 0, "Parallelism bound (default: CPU count)")

	rootCmd.AddCommand(
		buildCmd,
		testCmd,
		resumeCmd,
		graphCmd,
		queryCmd,
		verifyCmd,
		cleanCmd,
		statsCmd,
		watchCmd,
	)
}

// exitCodeFor maps an error to the documented exit codes. Structured
// configuration errors and bare cobra errors (unknown flags, bad
// arguments) are usage errors; every other structured failure is a build
// failure.
func exitCodeFor(err error) int {
	var be *errdefs.BuildError
	if !errors.As(err, &be) {
		return exitUsage
	}
	if be.Kind.Category() == errdefs.CategoryConfiguration {
		return exitUsage
	}
	return exitBuild
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "forge internal panic: %v\n%s\n", r, debug.Stack())
			fmt.Fprintln(os.Stderr, "please report this at https://github.com/forge-build/forge/issues")
			os.Exit(exitInternal)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}
