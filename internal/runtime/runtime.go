// Package runtime assembles the kernel from configuration: ledger
// streams, budgeter, contracts, providers, gateway, tool registry,
// executor, session manager, memory plane, and supervisor. There are no
// package-level singletons; everything hangs off the Runtime value.
package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/cortex/internal/budget"
	"github.com/haasonsaas/cortex/internal/config"
	"github.com/haasonsaas/cortex/internal/contract"
	"github.com/haasonsaas/cortex/internal/executor"
	"github.com/haasonsaas/cortex/internal/gateway"
	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/internal/memory"
	"github.com/haasonsaas/cortex/internal/provider"
	"github.com/haasonsaas/cortex/internal/session"
	"github.com/haasonsaas/cortex/internal/supervisor"
	"github.com/haasonsaas/cortex/internal/tooling"
)

// Streams groups the per-tier ledger streams.
type Streams struct {
	Hot      *ledger.Stream
	HO1      *ledger.Stream
	HO2      *ledger.Stream
	Signals  *ledger.Stream
	Overlays *ledger.Stream
}

// All returns the streams with their short names, for verification.
func (s *Streams) All() map[string]*ledger.Stream {
	return map[string]*ledger.Stream{
		"hot":      s.Hot,
		"ho1":      s.HO1,
		"ho2":      s.HO2,
		"signals":  s.Signals,
		"overlays": s.Overlays,
	}
}

// Runtime is the assembled kernel.
type Runtime struct {
	Config     *config.Config
	Logger     *slog.Logger
	Streams    *Streams
	Budgeter   *budget.Budgeter
	Contracts  *contract.Loader
	Gateway    *gateway.Gateway
	Tools      *tooling.Registry
	Executor   *executor.Executor
	Sessions   *session.Manager
	Memory     *memory.Plane
	Supervisor *supervisor.Supervisor
	Scripted   *provider.Scripted
}

// New assembles a runtime from configuration.
func New(cfg *config.Config) (*Runtime, error) {
	logger := newLogger(cfg.Logging)

	streams, err := openStreams(cfg.Ledger.Dir, logger)
	if err != nil {
		return nil, err
	}

	budgeter := budget.New(budget.Mode(cfg.Budget.BudgetMode), streams.Hot, logger)

	contracts, err := contract.NewLoader(cfg.Contracts.Dir)
	if err != nil {
		return nil, err
	}
	if err := registerDefaultContracts(contracts); err != nil {
		return nil, err
	}

	packs := gateway.NewPackRegistry()
	for _, p := range gateway.DefaultPacks() {
		packs.Register(p)
	}

	providers, scripted, err := buildProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}

	routes := make(map[string]gateway.DomainRoute, len(cfg.Gateway.DomainTagRoutes))
	for tag, r := range cfg.Gateway.DomainTagRoutes {
		routes[tag] = gateway.DomainRoute{ProviderID: r.ProviderID, ModelID: r.ModelID}
	}
	metrics := gateway.NewMetrics(prometheus.DefaultRegisterer)
	gw := gateway.New(gateway.Config{
		DomainTagRoutes: routes,
		DefaultProvider: cfg.Gateway.DefaultProvider,
	}, providers, packs, contracts, budgeter, streams.Hot, metrics, logger)

	tools := tooling.NewRegistry()
	root, err := filepath.Abs(cfg.Agent.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	tooling.RegisterBuiltins(tools, root)

	exec := executor.New(gw, contracts, tools, budgeter, streams.HO1, logger)
	sessions := session.NewManager(streams.HO2, logger)

	plane := memory.New(memory.Config{
		Enabled:              cfg.Memory.Enabled,
		GateCountThreshold:   cfg.Memory.GateCountThreshold,
		GateSessionThreshold: cfg.Memory.GateSessionThreshold,
		GateWindowHours:      cfg.Memory.GateWindowHours,
		DecayHalfLifeHours:   cfg.Memory.DecayHalfLifeHours,
		SalienceThreshold:    cfg.Memory.SalienceThreshold,
	}, streams.Signals, streams.Overlays, logger)

	consolidationModel := cfg.Gateway.DefaultProvider
	if r, ok := routes["consolidation"]; ok && r.ModelID != "" {
		consolidationModel = r.ModelID
	}
	sup := supervisor.New(supervisor.Config{
		AgentClass:           cfg.Agent.AgentClass,
		ToolsAllowed:         cfg.Agent.ToolsAllowed,
		MaxRetries:           cfg.Agent.MaxRetries,
		AttentionBudgetChars: cfg.Agent.AttentionBudgetChars,
		ClassifyContract:     cfg.Agent.ClassifyContract,
		SynthesizeContract:   cfg.Agent.SynthesizeContract,
		ConsolidateContract:  cfg.Agent.ConsolidateContract,
		ClassifyBudget:       cfg.Budget.ClassifyBudget,
		SynthesizeBudget:     cfg.Budget.SynthesizeBudget,
		ConsolidationBudget:  cfg.Budget.ConsolidationBudget,
		FollowupMinRemaining: cfg.Budget.FollowupMinRemaining,
		TurnLimit:            cfg.Budget.TurnLimit,
		ConsolidationModel:   consolidationModel,
		PromptPackVersion:    gw.PackVersion("consolidate-signals"),
	}, exec, sessions, budgeter, plane, streams.HO1, streams.HO2, logger)

	return &Runtime{
		Config:     cfg,
		Logger:     logger,
		Streams:    streams,
		Budgeter:   budgeter,
		Contracts:  contracts,
		Gateway:    gw,
		Tools:      tools,
		Executor:   exec,
		Sessions:   sessions,
		Memory:     plane,
		Supervisor: sup,
		Scripted:   scripted,
	}, nil
}

func openStreams(dir string, logger *slog.Logger) (*Streams, error) {
	open := func(name string) (*ledger.Stream, error) {
		return ledger.Open(filepath.Join(dir, name), logger)
	}
	hot, err := open("hot/exchange.jsonl")
	if err != nil {
		return nil, err
	}
	ho1, err := open("ho1/ho1m.jsonl")
	if err != nil {
		return nil, err
	}
	ho2, err := open("ho2/ho2m.jsonl")
	if err != nil {
		return nil, err
	}
	signals, err := open("memory/signals.jsonl")
	if err != nil {
		return nil, err
	}
	overlays, err := open("memory/overlays.jsonl")
	if err != nil {
		return nil, err
	}
	return &Streams{Hot: hot, HO1: ho1, HO2: ho2, Signals: signals, Overlays: overlays}, nil
}

func buildProviders(cfg config.ProvidersConfig) (map[string]provider.Provider, *provider.Scripted, error) {
	providers := make(map[string]provider.Provider)
	var scripted *provider.Scripted

	if cfg.Anthropic != nil && cfg.Anthropic.APIKey != "" {
		p, err := provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.Model,
		})
		if err != nil {
			return nil, nil, err
		}
		providers[p.Name()] = p
	}
	if cfg.OpenAI != nil && cfg.OpenAI.APIKey != "" {
		p, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.Model,
		})
		if err != nil {
			return nil, nil, err
		}
		providers[p.Name()] = p
	}
	if cfg.Scripted || len(providers) == 0 {
		scripted = provider.NewScripted("scripted")
		providers[scripted.Name()] = scripted
	}
	return providers, scripted, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
