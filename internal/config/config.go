// Package config loads the runtime configuration from YAML or JSON5
// files with $include merging and environment expansion. Unknown keys
// are rejected at decode time.
package config

import (
	"fmt"
)

// Config is the full runtime configuration.
type Config struct {
	Ledger    LedgerConfig    `yaml:"ledger"`
	Budget    BudgetConfig    `yaml:"budget"`
	Memory    MemoryConfig    `yaml:"memory"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Providers ProvidersConfig `yaml:"providers"`
	Contracts ContractsConfig `yaml:"contracts"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LedgerConfig locates the event streams on disk.
type LedgerConfig struct {
	Dir string `yaml:"dir"`
}

// BudgetConfig drives the token budgeter and the executor's tool loop.
type BudgetConfig struct {
	SessionTokenLimit    int    `yaml:"session_token_limit"`
	ClassifyBudget       int    `yaml:"classify_budget"`
	SynthesizeBudget     int    `yaml:"synthesize_budget"`
	ConsolidationBudget  int    `yaml:"consolidation_budget"`
	FollowupMinRemaining int    `yaml:"followup_min_remaining"`
	BudgetMode           string `yaml:"budget_mode"`
	TurnLimit            int    `yaml:"turn_limit"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
}

// MemoryConfig drives the signal memory plane.
type MemoryConfig struct {
	Enabled              bool    `yaml:"enabled"`
	GateCountThreshold   int     `yaml:"gate_count_threshold"`
	GateSessionThreshold int     `yaml:"gate_session_threshold"`
	GateWindowHours      float64 `yaml:"gate_window_hours"`
	DecayHalfLifeHours   float64 `yaml:"decay_half_life_hours"`
	SalienceThreshold    float64 `yaml:"salience_threshold"`
}

// DomainRouteConfig maps one domain tag to a provider/model pair.
type DomainRouteConfig struct {
	ProviderID string `yaml:"provider_id"`
	ModelID    string `yaml:"model_id"`
}

// GatewayConfig drives provider routing.
type GatewayConfig struct {
	DomainTagRoutes map[string]DomainRouteConfig `yaml:"domain_tag_routes"`
	DefaultProvider string                       `yaml:"default_provider"`
}

// ProviderConfig configures one remote LLM backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// ProvidersConfig configures the available backends. Scripted enables the
// deterministic offline backend.
type ProvidersConfig struct {
	Anthropic *ProviderConfig `yaml:"anthropic"`
	OpenAI    *ProviderConfig `yaml:"openai"`
	Scripted  bool            `yaml:"scripted"`
}

// ContractsConfig locates the prompt contract files.
type ContractsConfig struct {
	Dir string `yaml:"dir"`
}

// AgentConfig shapes the supervisor.
type AgentConfig struct {
	AgentClass           string   `yaml:"agent_class"`
	ToolsAllowed         []string `yaml:"tools_allowed"`
	MaxRetries           int      `yaml:"max_retries"`
	AttentionBudgetChars int      `yaml:"attention_budget_chars"`
	WorkspaceRoot        string   `yaml:"workspace_root"`

	ClassifyContract    string `yaml:"classify_contract"`
	SynthesizeContract  string `yaml:"synthesize_contract"`
	ConsolidateContract string `yaml:"consolidate_contract"`
}

// LoggingConfig shapes slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when keys are absent.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{Dir: "data/ledger"},
		Budget: BudgetConfig{
			SessionTokenLimit:    100000,
			ClassifyBudget:       1000,
			SynthesizeBudget:     4000,
			ConsolidationBudget:  2000,
			FollowupMinRemaining: 200,
			BudgetMode:           "enforce",
			TurnLimit:            3,
			TimeoutSeconds:       120,
		},
		Memory: MemoryConfig{
			Enabled:              true,
			GateCountThreshold:   3,
			GateSessionThreshold: 2,
			GateWindowHours:      72,
			DecayHalfLifeHours:   168,
			SalienceThreshold:    0.05,
		},
		Gateway: GatewayConfig{
			DefaultProvider: "scripted",
		},
		Providers: ProvidersConfig{Scripted: true},
		Contracts: ContractsConfig{Dir: "contracts"},
		Agent: AgentConfig{
			AgentClass:           "dispatch",
			ToolsAllowed:         []string{"list_packages", "read_file", "grep"},
			MaxRetries:           1,
			AttentionBudgetChars: 6000,
			WorkspaceRoot:        ".",
			ClassifyContract:     "PRC-CLS-001",
			SynthesizeContract:   "PRC-SYN-001",
			ConsolidateContract:  "PRC-CON-001",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads, merges, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Budget.BudgetMode {
	case "enforce", "warn", "off":
	default:
		return fmt.Errorf("budget.budget_mode must be enforce, warn, or off, got %q", c.Budget.BudgetMode)
	}
	if c.Budget.SessionTokenLimit <= 0 {
		return fmt.Errorf("budget.session_token_limit must be positive")
	}
	if c.Gateway.DefaultProvider == "" {
		return fmt.Errorf("gateway.default_provider is required")
	}
	if c.Memory.Enabled {
		if c.Memory.GateCountThreshold <= 0 || c.Memory.GateSessionThreshold <= 0 {
			return fmt.Errorf("memory gate thresholds must be positive when memory is enabled")
		}
		if c.Memory.GateWindowHours <= 0 || c.Memory.DecayHalfLifeHours <= 0 {
			return fmt.Errorf("memory window and half-life must be positive when memory is enabled")
		}
	}
	return nil
}
