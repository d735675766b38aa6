package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forge/internal/incremental"
	"forge/internal/scheduler"
)

var watchCmd = &cobra.Command{
	Use:   "watch [target...]",
	Short: "Rebuild on source changes",
	Long: `Watch the workspace and rebuild the named targets whenever their
sources change. The incremental analyzer narrows each rebuild to the
targets affected by the changed files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Only the workspace root and config are needed here; each
		// rebuild opens its own app so the indices are not held across
		// builds.
		a, err := newApp()
		if err != nil {
			return err
		}
		root, cfg := a.root, a.cfg
		a.close()

		ctx, cancel := scheduler.InstallSignalHandler(cmdContext())
		defer cancel()

		// Initial full build of the requested slice.
		if err := runBuild(args, false); err != nil {
			logger.Warn("initial build failed; watching for fixes", zap.Error(err))
		}

		w, err := incremental.NewWatcher(root, []string{
			cfg.Workspace.OutputDir, filepath.Base(cfg.Workspace.CacheDir),
		})
		if err != nil {
			return err
		}
		defer w.Stop()

		rebuilds := make(chan []string, 1)
		go w.Run(func(paths []string) {
			select {
			case rebuilds <- paths:
			default:
				// A rebuild is already pending; the next scan picks up
				// these changes too.
			}
		})

		logger.Info("watching for changes (interrupt to stop)")
		for {
			select {
			case <-ctx.Done():
				return nil
			case paths := <-rebuilds:
				logger.Info("changes detected", zap.Int("paths", len(paths)))
				if err := runBuild(args, false); err != nil {
					logger.Warn("rebuild failed", zap.Error(err))
				}
			}
		}
	},
}
