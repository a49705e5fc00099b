package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fortline/verifier"
	"github.com/fortline/verifier/attestation"
	"github.com/fortline/verifier/audit"
)

// tierValue constrains --tier to the three recognized verification tiers,
// rejecting anything else at flag-parse time.
type tierValue string

var _ pflag.Value = (*tierValue)(nil)

func (t *tierValue) String() string { return string(*t) }

func (t *tierValue) Type() string { return "tier" }

func (t *tierValue) Set(s string) error {
	switch s {
	case "high", "medium", "low":
		*t = tierValue(s)
		return nil
	}
	return fmt.Errorf("invalid tier %q (want high|medium|low)", s)
}

func newVerifyCmd() *cobra.Command {
	tier := tierValue("medium")
	var enableLLM bool
	var enableBacktest bool
	var llmProvider string

	cmd := &cobra.Command{
		Use:   "verify IMAGE",
		Short: "Run the full verification pipeline on a single agent image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image := args[0]
			app, err := newAppContext(flagRoot)
			if err != nil {
				return err
			}
			if llmProvider != "" {
				app.cfg.LLM.PrimaryProvider = llmProvider
				app.vc.Deps.JudgePrimary, _ = buildJudgeProviders(app.cfg)
			}

			opts := verifier.VerifyOptions{
				Tier:           string(tier),
				EnableLLM:      enableLLM,
				EnableBacktest: enableBacktest,
				Quote:          attestation.Quote{},
			}

			start := time.Now()
			result, err := app.vc.VerifyAgent(context.Background(), image, opts)
			if err != nil {
				return err
			}

			if flagOutputJSON {
				id := audit.NewVerificationID(image, start)
				out := toVerifyOutput(id, image, string(tier), start, result)
				return renderJSON(os.Stdout, out)
			}
			renderTerminal(os.Stdout, image, result)
			return nil
		},
	}
	cmd.Flags().Var(&tier, "tier", "verification tier: high|medium|low")
	cmd.Flags().BoolVar(&enableLLM, "enable-llm", true, "run the LLM judge stage")
	cmd.Flags().BoolVar(&enableBacktest, "enable-backtest", true, "run the container backtest stage")
	cmd.Flags().StringVar(&llmProvider, "llm-provider", "", "override the configured primary LLM provider: anthropic|openai (any other name, including local, builds no provider and the LLM stage is skipped)")
	return cmd
}

func newVerifyBatchCmd() *cobra.Command {
	tier := tierValue("medium")
	var enableLLM bool
	var enableBacktest bool
	var maxConcurrent int

	cmd := &cobra.Command{
		Use:   "verify-batch IMAGE...",
		Short: "Run the verification pipeline concurrently over several agent images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext(flagRoot)
			if err != nil {
				return err
			}
			if maxConcurrent > 0 {
				app.vc.Resources.MaxConcurrentScans = maxConcurrent
				app.vc.Resources.MaxConcurrentTEE = maxConcurrent
				app.vc.Resources.MaxConcurrentBacktests = maxConcurrent
				app.vc.Resources.MaxConcurrentLLM = maxConcurrent
			}

			opts := verifier.BatchOptions{
				VerifyOptions: verifier.VerifyOptions{
					Tier:           string(tier),
					EnableLLM:      enableLLM,
					EnableBacktest: enableBacktest,
				},
			}

			batch := app.vc.VerifyBatch(context.Background(), args, opts)

			if flagOutputJSON {
				return renderJSON(os.Stdout, batch)
			}
			for _, r := range batch.Results {
				renderTerminal(os.Stdout, r.Image, r)
			}
			for _, r := range batch.Failures {
				renderTerminal(os.Stdout, r.Image, r)
			}
			return nil
		},
	}
	cmd.Flags().Var(&tier, "tier", "verification tier: high|medium|low")
	cmd.Flags().BoolVar(&enableLLM, "enable-llm", true, "run the LLM judge stage")
	cmd.Flags().BoolVar(&enableBacktest, "enable-backtest", true, "run the container backtest stage")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "override every per-stage concurrency limit (0 keeps configured defaults)")
	return cmd
}
