package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fortline/verifier/backtest"
	"github.com/fortline/verifier/strategy"
)

func newVerifyStrategyCmd() *cobra.Command {
	var start, end, declaredStrategy, regime string

	cmd := &cobra.Command{
		Use:   "verify-strategy IMAGE",
		Short: "Backtest an agent image and verify its trades against its declared strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image := args[0]
			app, err := newAppContext(flagRoot)
			if err != nil {
				return err
			}
			if app.backtestRunner == nil {
				return fmt.Errorf("verify-strategy: no local Docker daemon available to run %s", image)
			}

			result, err := backtest.Run(context.Background(), backtest.Params{
				AgentImage:   image,
				Start:        start,
				End:          end,
				StrategyType: declaredStrategy,
				BacktestMode: true,
			}, app.backtestRunner, app.vc.Market)
			if err != nil {
				return err
			}

			var regimeByTrade map[int]string
			if regime != "" {
				regimeByTrade = make(map[int]string, len(result.Trades))
				for i := range result.Trades {
					regimeByTrade[i] = regime
				}
			}

			verified := strategy.Verify(declaredStrategy, result.Trades, regimeByTrade)

			if flagOutputJSON {
				return renderJSON(os.Stdout, verified)
			}
			fmt.Printf("%s\n", image)
			fmt.Printf("  detected strategy: %s  status: %s\n", verified.DetectedStrategy, verified.VerificationStatus)
			fmt.Printf("  effectiveness: %.1f  risk: %.1f\n", verified.Effectiveness, verified.Risk)
			for name, r := range verified.PerformanceByRegime {
				fmt.Printf("  regime %-12s effectiveness=%.1f trades=%d\n", name, r.Effectiveness, r.Trades)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start-date", "", "backtest window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end-date", "", "backtest window end (YYYY-MM-DD)")
	cmd.Flags().StringVar(&declaredStrategy, "strategy", "", "declared strategy: arbitrage|momentum|market_making (empty auto-detects)")
	cmd.Flags().StringVar(&regime, "regime", "", "label every trade with a single named regime window")
	return cmd
}
