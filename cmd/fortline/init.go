package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fortline/verifier/core"
)

func newInitCmd() *cobra.Command {
	var env string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default .fortline.yaml for the given environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(flagRoot, ".fortline.yaml")
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("init: %s already exists; pass --force to overwrite", path)
				}
			}

			cfg := defaultConfigForEnv(env)
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("init: marshaling config: %w", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("init: writing %s: %w", path, err)
			}
			fmt.Fprintf(os.Stdout, "wrote %s (env=%s)\n", path, env)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "development", "target environment: production|staging|development")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing .fortline.yaml")
	return cmd
}

// defaultConfigForEnv returns per-environment defaults: production accepts
// real TEE attestation only, development allows simulated quotes and
// dev-mode caches.
func defaultConfigForEnv(env string) *core.Config {
	cfg := &core.Config{
		LLM: core.LLMSettings{
			PrimaryProvider:  "anthropic",
			FallbackProvider: "openai",
			Timeout:          "30s",
			PrimaryWeight:    0.7,
			SecondaryWeight:  0.3,
		},
		TEE: core.TEESettings{
			RootCAPath:     ".fortline/trust/root.pem",
			RegistryDBPath: ".fortline/registry.json",
		},
		Market: core.MarketSettings{
			CacheDir: ".fortline/market",
		},
		Audit: core.AuditSettings{
			Path: ".fortline/audit",
		},
		Resources: core.DefaultResourceLimits(),
	}

	switch env {
	case "production":
		cfg.TEE.SimulationOK = false
		cfg.DevMode = false
	case "staging":
		cfg.TEE.SimulationOK = true
		cfg.DevMode = false
	default: // development
		cfg.TEE.SimulationOK = true
		cfg.DevMode = true
		cfg.Market.DevMode = true
	}
	return cfg
}
