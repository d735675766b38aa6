package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"forge/internal/errdefs"
)

var cleanPrune bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the output directory and local cache",
	Long: `Remove the output directory and the local cache. With --prune, keep
the cache but evict least-recently-used blobs down to the configured
size bound instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if cleanPrune {
			maxBytes := a.cfg.CacheMaxBytes()
			if maxBytes == 0 {
				fmt.Println("no cache.max_size configured; nothing to prune")
				return nil
			}
			res, err := a.cache.Evict(maxBytes, a.cfg.GetCheckpointMaxAge())
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d blobs, freed %d bytes\n", res.Removed, res.Freed)
			return nil
		}

		outDir := a.cfg.OutputRoot(a.root)
		cacheDir := a.cfg.CacheRoot(a.root)
		if err := os.RemoveAll(outDir); err != nil {
			return errdefs.Wrap(errdefs.KindIO, err, "removing %s", outDir)
		}
		// Keep telemetry: it is opaque to the core and may belong to
		// another tool.
		entries, err := os.ReadDir(cacheDir)
		if err != nil && !os.IsNotExist(err) {
			return errdefs.Wrap(errdefs.KindIO, err, "reading %s", cacheDir)
		}
		for _, e := range entries {
			if e.Name() == "telemetry" {
				continue
			}
			p := filepath.Join(cacheDir, e.Name())
			if err := os.RemoveAll(p); err != nil {
				return errdefs.Wrap(errdefs.KindIO, err, "removing %s", p)
			}
		}
		fmt.Printf("removed %s and %s\n", filepath.Base(outDir), cacheDir)
		return nil
	},
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanPrune, "prune", false, "Evict LRU blobs to the size bound instead of deleting")
}
