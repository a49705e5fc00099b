package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMSettings controls provider selection and ensemble behavior for the
// LLM judge.
type LLMSettings struct {
	PrimaryProvider   string  `yaml:"primary_provider"`
	FallbackProvider  string  `yaml:"fallback_provider"`
	Model             string  `yaml:"model"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	BaseURL           string  `yaml:"base_url"`
	Timeout           string  `yaml:"timeout"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	EnableEnsemble    bool    `yaml:"enable_ensemble"`
	PrimaryWeight     float64 `yaml:"primary_weight"`
	SecondaryWeight   float64 `yaml:"secondary_weight"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
}

// TEESettings controls attestation validation.
type TEESettings struct {
	RootCAPath     string `yaml:"root_ca_path"`
	SimulationOK   bool   `yaml:"simulation_ok"`
	RegistryDBPath string `yaml:"registry_db_path"`
}

// MarketSettings controls the market data store.
type MarketSettings struct {
	CacheDir    string `yaml:"cache_dir"`
	SourceURL   string `yaml:"source_url"`
	RedisAddr   string `yaml:"redis_addr"`
	DevMode     bool   `yaml:"dev_mode"`
}

// ResourceLimits bounds the verification orchestrator's concurrency.
type ResourceLimits struct {
	MaxConcurrentScans     int `yaml:"max_concurrent_scans"`
	MaxConcurrentTEE       int `yaml:"max_concurrent_tee"`
	MaxConcurrentBacktests int `yaml:"max_concurrent_backtests"`
	MaxConcurrentLLM       int `yaml:"max_concurrent_llm"`
}

// DefaultResourceLimits returns the default per-stage concurrency caps.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxConcurrentScans:     16,
		MaxConcurrentTEE:       10,
		MaxConcurrentBacktests: 8,
		MaxConcurrentLLM:       6,
	}
}

// AuditSettings controls the audit log (C10).
type AuditSettings struct {
	Path string `yaml:"path"`
}

// Config is the top-level project/run configuration loaded from
// .fortline.yaml.
type Config struct {
	LLM       LLMSettings     `yaml:"llm"`
	TEE       TEESettings     `yaml:"tee"`
	Market    MarketSettings  `yaml:"market"`
	Resources ResourceLimits  `yaml:"resources"`
	Audit     AuditSettings   `yaml:"audit"`
	DevMode   bool            `yaml:"dev_mode"`
}

// LoadConfig reads .fortline.yaml from root and overlays environment
// variables, which always win over file values. If the file does not
// exist, a zero-value Config (with resource defaults applied) is returned.
func LoadConfig(root string) (*Config, error) {
	path := filepath.Join(root, ".fortline.yaml")

	cfg := &Config{Resources: DefaultResourceLimits()}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, NewError(KindConfigError, "config", fmt.Errorf("reading %s: %w", path, err))
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewError(KindConfigError, "config", fmt.Errorf("parsing %s: %w", path, err))
	}

	applyEnvOverrides(cfg)

	if cfg.LLM.PrimaryWeight == 0 && cfg.LLM.SecondaryWeight == 0 {
		cfg.LLM.PrimaryWeight = 0.7
		cfg.LLM.SecondaryWeight = 0.3
	}
	if cfg.Resources == (ResourceLimits{}) {
		cfg.Resources = DefaultResourceLimits()
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_PRIMARY_PROVIDER"); v != "" {
		cfg.LLM.PrimaryProvider = v
	}
	if v := os.Getenv("LLM_FALLBACK_PROVIDER"); v != "" {
		cfg.LLM.FallbackProvider = v
	}
	if v := os.Getenv("LLM_ENABLE_ENSEMBLE"); v != "" {
		cfg.LLM.EnableEnsemble = v == "true" || v == "1"
	}
	if v := os.Getenv("LLM_TIMEOUT_SECONDS"); v != "" {
		cfg.LLM.Timeout = v + "s"
	}
	if v := os.Getenv("LLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LLM.MaxTokens = n
		}
	}
	if v := os.Getenv("MARKET_DATA_URL"); v != "" {
		cfg.Market.SourceURL = v
	}
	if v := os.Getenv("TEE_ROOT_CA_PATH"); v != "" {
		cfg.TEE.RootCAPath = v
	}
	if v := os.Getenv("TEE_SIMULATION_OK"); v != "" {
		cfg.TEE.SimulationOK = v == "true" || v == "1"
	}
	if v := os.Getenv("FORTLINE_DEV_MODE"); v != "" {
		cfg.DevMode = v == "true" || v == "1"
		cfg.Market.DevMode = cfg.DevMode
	}
	if v := os.Getenv("MARKET_CACHE_DIR"); v != "" {
		cfg.Market.CacheDir = v
	}
}

// ParseTimeout parses a Go duration string, defaulting to fallback when s
// is empty or unparsable as either a duration or a bare integer of seconds.
func ParseTimeout(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
