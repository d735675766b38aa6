package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forge/internal/checkpoint"
	"forge/internal/errdefs"
	"forge/internal/scheduler"
)

var resumeStrategy string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a failed or interrupted build from its checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResume()
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeStrategy, "strategy", "smart",
		"Resume strategy: smart, retry-failed, skip-failed, rebuild-all")
}

func runResume() error {
	strategy, err := checkpoint.ParseStrategy(resumeStrategy)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	cp, err := a.ckpt.Load()
	if err != nil {
		return err
	}
	if cp == nil {
		fmt.Println("no checkpoint found; nothing to resume")
		return nil
	}

	g, err := a.loadGraph()
	if err != nil {
		return err
	}
	if !cp.Valid(g) {
		logger.Warn("checkpoint no longer matches the workspace, discarding")
		a.ckpt.Clear()
		return runBuild(nil, false)
	}

	// Smart resume invalidates targets whose source hashes moved.
	_, records, perTarget, err := a.scanSources(g)
	if err != nil {
		return err
	}
	changed := make(map[string]bool)
	for _, r := range cp.Records {
		if current, ok := perTarget[r.TargetID]; ok && current != r.SourceHash {
			changed[r.TargetID] = true
		}
	}

	skipped := cp.Apply(g, strategy, changed)
	logger.Info("resuming", zap.String("strategy", string(strategy)),
		zap.Int("skipped", len(skipped)), zap.Int("invalidated", len(changed)))

	ctx, cancel := scheduler.InstallSignalHandler(cmdContext())
	defer cancel()

	sum, err := a.newScheduler(g).Run(ctx)
	if err != nil {
		return err
	}

	if err := a.tracker.Commit(records); err != nil {
		logger.Warn("source index commit failed", zap.Error(err))
	}
	a.saveOrClearCheckpoint(g, sum, perTarget)
	a.gc()

	printSummary(sum)
	if !sum.OK() {
		return errdefs.New(errdefs.KindCompileFailed, "%d target(s) failed", sum.Failed)
	}
	return nil
}
