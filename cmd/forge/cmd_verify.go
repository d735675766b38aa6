package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forge/internal/errdefs"
	"forge/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [target...]",
	Short: "Run the verification suite and emit a certificate",
	Long: `Run the four runtime proofs over the target graph: acyclicity,
hermeticity (pairwise I/O discipline), fingerprint determinism, and
race-freedom. The sealed certificate is written under the cache root.`,
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

		actions, err := a.actionsFor(g)
		if err != nil {
			return err
		}

		cert := verify.New(g, actions).Run()

		path := a.certPath()
		if err := verify.SaveCertificate(cert, path); err != nil {
			logger.Warn("certificate not persisted", zap.Error(err))
		} else {
			logger.Info("certificate written", zap.String("path", path))
		}

		for _, check := range cert.Checks {
			status := "PASS"
			if !check.Passed {
				status = "FAIL"
			}
			fmt.Printf("%-12s %s\n", check.Name, status)
			for _, v := range check.Violations {
				fmt.Printf("  %s\n", v)
			}
		}

		if !cert.Passed() {
			return errdefs.New(errdefs.KindVerificationFailed, "verification failed")
		}
		return nil
	},
}
