package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show action cache and blob store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.cache.Stats()
		if err != nil {
			return err
		}
		bs, err := a.cache.Blobs().Stats()
		if err != nil {
			return err
		}

		fmt.Printf("action cache entries: %d\n", st.Entries)
		fmt.Printf("blobs:                %d (%s)\n", bs.Blobs, humanize.Bytes(uint64(bs.Bytes)))
		fmt.Printf("session hits/misses:  %d/%d\n", st.Hits, st.Misses)
		if limit := a.cfg.CacheMaxBytes(); limit > 0 {
			fmt.Printf("size bound:           %s\n", humanize.Bytes(uint64(limit)))
		}
		return nil
	},
}
