package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forge/internal/errdefs"
	"forge/internal/graph"
	"forge/internal/scheduler"
	"forge/internal/target"
)

var buildCmd = &cobra.Command{
	Use:   "build [target...]",
	Short: "Build targets and their transitive dependencies",
	Long: `Build the named targets and everything they depend on. With no
arguments, builds every target in the workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(args, false)
	},
}

var testCmd = &cobra.Command{
	Use:   "test [target...]",
	Short: "Build targets, then run test-typed targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(args, true)
	},
}

// runBuild is the shared build/test pipeline: analyze, slice, scan,
// schedule, checkpoint, GC.
func runBuild(labels []string, testsOnly bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	full, err := a.loadGraph()
	if err != nil {
		return err
	}

	if testsOnly {
		labels = expandTestTargets(full, labels)
		if len(labels) == 0 {
			fmt.Println("no test targets matched")
			return nil
		}
	}

	g, err := a.sliceGraph(full, labels)
	if err != nil {
		return err
	}
	logger.Info("target graph ready", zap.Int("targets", g.Len()))

	_, records, perTarget, err := a.scanSources(g)
	if err != nil {
		return err
	}
	a.recordImports(g)

	ctx, cancel := scheduler.InstallSignalHandler(cmdContext())
	defer cancel()

	sum, err := a.newScheduler(g).Run(ctx)
	if err != nil {
		return err
	}

	// Source state commits only after the build used it.
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

// expandTestTargets narrows the requested labels to test-kind targets
// (all tests in the workspace when no labels are given).
func expandTestTargets(g *graph.Graph, labels []string) []string {
	requested := make(map[string]bool, len(labels))
	for _, l := range labels {
		requested[l] = true
	}

	var out []string
	for _, n := range g.Nodes() {
		if n.Target.Kind != target.KindTest {
			continue
		}
		if len(labels) == 0 || requested[n.ID()] {
			out = append(out, n.ID())
		}
	}
	return out
}

func printSummary(sum *scheduler.Summary) {
	fmt.Printf("built %d, cached %d, failed %d\n", sum.Succeeded, sum.Cached, sum.Failed)
	for id, msg := range sum.FailedTargets {
		fmt.Printf("  FAILED %s: %s\n", id, msg)
	}
	if sum.Drained && scheduler.Interrupted() {
		fmt.Println("build interrupted; run 'forge resume' to continue")
	}
}
