// Command fortline is the Fort Score Verifier's command-line front end:
// verify, verify-batch, verify-strategy, scan, benchmark, backtest,
// simulate, audit-list, init.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagRoot       string
	flagOutputJSON bool
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "fortline",
		Short:         "Fort Score Verifier: security, attestation, and trading-performance scoring for agent containers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagRoot, "project", "C", ".", "project root (containing .fortline.yaml)")
	root.PersistentFlags().BoolVar(&flagOutputJSON, "json", false, "emit JSON instead of terminal output")

	root.AddCommand(
		newVerifyCmd(),
		newVerifyBatchCmd(),
		newVerifyStrategyCmd(),
		newScanCmd(),
		newBenchmarkCmd(),
		newBacktestCmd(),
		newSimulateCmd(),
		newAuditListCmd(),
		newInitCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fortline:", err)
		os.Exit(1)
	}
}
