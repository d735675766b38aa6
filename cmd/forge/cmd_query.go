package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"forge/internal/query"
)

var queryCmd = &cobra.Command{
	Use:   "query <expression>",
	Short: "Evaluate a set-algebra query over the graph",
	Long: `Evaluate a set-algebra expression over the target graph.

Operators: + (union), ^ (intersect), - (except)
Functions: deps(expr), rdeps(expr), kind(name, expr)
Labels:    //pkg:name, //pkg/... (wildcard)

Examples:
  forge query 'deps(//app:main)'
  forge query 'kind(test, rdeps(//lib:strings))'
  forge query '//lib/... - deps(//app:main)'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		g, err := a.loadGraph()
		if err != nil {
			return err
		}

		results, err := query.Eval(g, strings.Join(args, " "))
		if err != nil {
			return err
		}
		for _, id := range results {
			fmt.Println(id)
		}
		return nil
	},
}
