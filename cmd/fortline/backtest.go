package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fortline/verifier/backtest"
)

func newBacktestCmd() *cobra.Command {
	var start, end, strategyType, regime string
	var useRealData, useMockData bool

	cmd := &cobra.Command{
		Use:   "backtest IMAGE",
		Short: "Run the container backtester against an agent image over a historical window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image := args[0]
			app, err := newAppContext(flagRoot)
			if err != nil {
				return err
			}
			if app.backtestRunner == nil {
				return fmt.Errorf("backtest: no local Docker daemon available to run %s", image)
			}
			if regime != "" {
				r, ok := app.vc.Market.Regime(regime)
				if !ok {
					return fmt.Errorf("backtest: unknown regime %q", regime)
				}
				start = r.Start.Format("2006-01-02")
				end = r.End.Format("2006-01-02")
			}
			store := app.vc.Market
			if useMockData {
				useRealData = false
			}
			if !useRealData {
				// Mock-data mode skips the market store: metrics are computed
				// from the trade stream alone, with no price-series coverage.
				store = nil
			}

			result, err := backtest.Run(context.Background(), backtest.Params{
				AgentImage:   image,
				Start:        start,
				End:          end,
				StrategyType: strategyType,
				BacktestMode: true,
			}, app.backtestRunner, store)
			if err != nil {
				return err
			}

			if flagOutputJSON {
				return renderJSON(os.Stdout, result)
			}
			fmt.Printf("%s\n", image)
			fmt.Printf("  strategy: %s  trades: %d\n", result.StrategyType, len(result.Trades))
			fmt.Printf("  final capital: %.2f (initial %.2f)\n", result.FinalCapital, result.InitialCapital)
			fmt.Printf("  sharpe: %.2f  sortino: %.2f  max drawdown: %.2f%%  profit factor: %.2f\n",
				result.Metrics.Sharpe, result.Metrics.Sortino, result.Metrics.MaxDrawdown*100, result.Metrics.ProfitFactor)
			if result.Warning != "" {
				fmt.Printf("  %s\n", styleWarn.Render(result.Warning))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start-date", "", "backtest window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end-date", "", "backtest window end (YYYY-MM-DD)")
	cmd.Flags().StringVar(&strategyType, "strategy", "", "declared strategy hint: arbitrage|momentum|market_making")
	cmd.Flags().StringVar(&regime, "regime", "", "named regime window from the market data store")
	cmd.Flags().BoolVar(&useRealData, "use-real-data", true, "use the configured market data source instead of synthetic data")
	cmd.Flags().BoolVar(&useMockData, "use-mock-data", false, "skip the market data store entirely")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	var scenario string

	cmd := &cobra.Command{
		Use:   "simulate IMAGE",
		Short: "Run a canned scenario backtest (price_oracle, arbitrage, or all) against an agent image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image := args[0]
			app, err := newAppContext(flagRoot)
			if err != nil {
				return err
			}
			if app.backtestRunner == nil {
				return fmt.Errorf("simulate: no local Docker daemon available to run %s", image)
			}

			scenarios := []string{scenario}
			if scenario == "all" {
				scenarios = []string{"price_oracle", "arbitrage"}
			}

			results := map[string]*backtest.Result{}
			for _, sc := range scenarios {
				window := scenarioWindow(sc)
				result, err := backtest.Run(context.Background(), backtest.Params{
					AgentImage:   image,
					Start:        window.start,
					End:          window.end,
					BacktestMode: true,
				}, app.backtestRunner, app.vc.Market)
				if err != nil {
					return fmt.Errorf("scenario %s: %w", sc, err)
				}
				results[sc] = result
			}

			if flagOutputJSON {
				return renderJSON(os.Stdout, results)
			}
			for sc, result := range results {
				fmt.Printf("%s: %s  trades=%d final_capital=%.2f\n", sc, image, len(result.Trades), result.FinalCapital)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "all", "canned scenario: price_oracle|arbitrage|all")
	return cmd
}

type dateWindow struct{ start, end string }

// scenarioWindow maps a named demo scenario to a fixed historical window:
// canned, reproducible replay windows rather than "whatever is most
// recent".
func scenarioWindow(name string) dateWindow {
	switch name {
	case "price_oracle":
		return dateWindow{start: "2024-01-01", end: "2024-01-08"}
	default:
		return dateWindow{start: "2024-05-01", end: "2024-05-08"}
	}
}
