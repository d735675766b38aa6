package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forge/internal/errdefs"
)

var graphFormat string

var graphCmd = &cobra.Command{
	Use:   "graph [target...]",
	Short: "Emit the dependency graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		full, err := a.loadGraph()
		if err != nil {
			return err
		}
		g, err := a.sliceGraph(full, args)
		if err != nil {
			return err
		}

		switch graphFormat {
		case "dot":
			fmt.Print(g.DOT())
		case "text":
			fmt.Print(g.Text())
		default:
			return errdefs.New(errdefs.KindInvalidValue, "unknown graph format %q (dot, text)", graphFormat)
		}
		return nil
	},
}

func init() {
	graphCmd.Flags().StringVar(&graphFormat, "format", "text", "Output format: dot, text")
}
