package main

import (
	"fmt"
	"os"

	"github.com/fortline/verifier"
	"github.com/fortline/verifier/attestation"
	"github.com/fortline/verifier/audit"
	"github.com/fortline/verifier/backtest"
	"github.com/fortline/verifier/core"
	"github.com/fortline/verifier/core/market"
	"github.com/fortline/verifier/judge"
	"github.com/fortline/verifier/orchestrator"
	"github.com/fortline/verifier/registry"
	"github.com/fortline/verifier/scanner"
	"github.com/fortline/verifier/trust"
)

// appContext bundles the shared stores and config every subcommand builds
// from flags once, the CLI-side counterpart of verifier.VerifierContext.
type appContext struct {
	cfg *core.Config
	vc  *verifier.VerifierContext

	vulnSource     scanner.VulnerabilitySource
	backtestRunner backtest.Runner
}

// newAppContext opens every store from root's .fortline.yaml + environment,
// the same load sequence core.LoadConfig documents: file first, env
// overrides win. Stores that need a live daemon (Docker) degrade to nil
// collaborators rather than failing the whole CLI invocation, since most
// subcommands (audit-list, init, verify-strategy against cached data) don't
// need them.
func newAppContext(root string) (*appContext, error) {
	cfg, err := core.LoadConfig(root)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cacheDir := cfg.Market.CacheDir
	if cacheDir == "" {
		cacheDir = root + "/.fortline/market"
	}
	marketStore := market.NewStore(cacheDir, nil)
	for _, r := range market.DefaultRegimes() {
		marketStore.RegisterRegime(r)
	}

	registryPath := cfg.TEE.RegistryDBPath
	if registryPath == "" {
		registryPath = root + "/.fortline/registry.json"
	}
	reg, err := registry.Open(registryPath, cfg.DevMode)
	if err != nil {
		return nil, fmt.Errorf("opening approved-code registry: %w", err)
	}

	auditPath := cfg.Audit.Path
	if auditPath == "" {
		auditPath = root + "/.fortline/audit"
	}
	auditLog, err := audit.Open(auditPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	keyring, err := trust.LoadKeyring(cfg.TEE.RootCAPath)
	if err != nil {
		return nil, fmt.Errorf("loading TEE keyring: %w", err)
	}
	policy := attestation.DefaultPolicy()
	policy.Keyring = keyring
	policy.AllowSimulation = cfg.TEE.SimulationOK
	validator := attestation.New(policy, reg)

	// Typed as the interface from the start: a failed construction must
	// leave these as a true nil interface (deps.BacktestRunner != nil would
	// otherwise hold a non-nil interface wrapping a nil *ContainerRunner,
	// and the orchestrator would dereference it).
	var runner backtest.Runner
	if cr, cerr := backtest.NewContainerRunner(); cerr == nil {
		runner = cr
	}

	var vulnSource scanner.VulnerabilitySource
	if ds, derr := scanner.NewDockerSource(); derr == nil {
		vulnSource = ds
	}

	primary, secondary := buildJudgeProviders(cfg)

	deps := orchestrator.Dependencies{
		VulnSource:     vulnSource,
		Attestation:    validator,
		BacktestRunner: runner,
		Market:         marketStore,
		JudgePrimary:   primary,
		JudgeSecondary: secondary,
		Ensemble: judge.EnsembleConfig{
			Enabled:         cfg.LLM.EnableEnsemble,
			PrimaryWeight:   cfg.LLM.PrimaryWeight,
			SecondaryWeight: cfg.LLM.SecondaryWeight,
		},
		BacktestMode: true,
	}

	vc := &verifier.VerifierContext{
		Market:    marketStore,
		Registry:  reg,
		AuditLog:  auditLog,
		Resources: cfg.Resources,
		Deps:      deps,
	}

	return &appContext{cfg: cfg, vc: vc, vulnSource: vulnSource, backtestRunner: runner}, nil
}

// buildJudgeProviders constructs the primary/secondary LLM providers named
// by cfg.LLM, reading API keys from the environment. Either may be nil (no
// API key configured, or a provider name other than openai/anthropic): a
// nil primary makes the orchestrator skip the LLM stage, and a nil
// secondary leaves ensemble fusion without a second opinion.
func buildJudgeProviders(cfg *core.Config) (primary, secondary judge.Provider) {
	build := func(name string) judge.Provider {
		switch name {
		case "openai":
			key := os.Getenv("OPENAI_API_KEY")
			if key == "" {
				return nil
			}
			opts := []judge.OpenAIOption{judge.WithAPIKey(key)}
			if cfg.LLM.Model != "" {
				opts = append(opts, judge.WithModel(cfg.LLM.Model))
			}
			if cfg.LLM.BaseURL != "" {
				opts = append(opts, judge.WithBaseURL(cfg.LLM.BaseURL))
			}
			if d := core.ParseTimeout(cfg.LLM.Timeout, 0); d > 0 {
				opts = append(opts, judge.WithTimeout(d))
			}
			if cfg.LLM.MaxTokens > 0 {
				opts = append(opts, judge.WithMaxTokens(cfg.LLM.MaxTokens))
			}
			opts = append(opts, judge.WithTemperature(cfg.LLM.Temperature))
			p := judge.NewOpenAIProvider(opts...)
			return judge.NewResilientProvider(p, "openai", 1, 2, 5)
		case "anthropic":
			key := os.Getenv("ANTHROPIC_API_KEY")
			if key == "" {
				return nil
			}
			aopts := []judge.AnthropicOption{}
			if cfg.LLM.Model != "" {
				aopts = append(aopts, judge.WithAnthropicModel(cfg.LLM.Model))
			}
			if d := core.ParseTimeout(cfg.LLM.Timeout, 0); d > 0 {
				aopts = append(aopts, judge.WithAnthropicTimeout(d))
			}
			if cfg.LLM.MaxTokens > 0 {
				aopts = append(aopts, judge.WithAnthropicMaxTokens(cfg.LLM.MaxTokens))
			}
			aopts = append(aopts, judge.WithAnthropicTemperature(cfg.LLM.Temperature))
			p := judge.NewAnthropicProvider(key, aopts...)
			return judge.NewResilientProvider(p, "anthropic", 1, 2, 5)
		default:
			return nil
		}
	}

	if cfg.LLM.PrimaryProvider != "" {
		primary = build(cfg.LLM.PrimaryProvider)
	}
	if cfg.LLM.FallbackProvider != "" {
		secondary = build(cfg.LLM.FallbackProvider)
	}
	return primary, secondary
}
