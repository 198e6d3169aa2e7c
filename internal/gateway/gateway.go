// Package gateway is the single chokepoint between the executor tiers and
// LLM providers. Every call is budget-checked, rendered from a prompt
// pack, routed to a provider behind a circuit breaker, debited exactly
// once, and recorded as an EXCHANGE event on the hot ledger stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/cortex/internal/budget"
	"github.com/haasonsaas/cortex/internal/contract"
	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/internal/provider"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Error codes surfaced in PromptResponse.ErrorCode.
const (
	ErrCodeUnknownProvider = "unknown_provider"
	ErrCodeUnknownPack     = "unknown_prompt_pack"
	ErrCodeBudgetExceeded  = "budget_exceeded"
	ErrCodeCircuitOpen     = "circuit_open"
)

// DomainRoute maps a domain tag to a provider/model pair.
type DomainRoute struct {
	ProviderID string
	ModelID    string
}

// Config wires the gateway's routing table.
type Config struct {
	DomainTagRoutes map[string]DomainRoute
	DefaultProvider string
}

// Gateway routes prompt requests to providers.
type Gateway struct {
	cfg       Config
	providers map[string]provider.Provider
	packs     *PackRegistry
	contracts *contract.Loader
	budgeter  *budget.Budgeter
	stream    *ledger.Stream
	breakers  *breakerSet
	metrics   *Metrics
	logger    *slog.Logger
}

// New creates a gateway. stream is the hot ledger stream; metrics may be
// nil.
func New(cfg Config, providers map[string]provider.Provider, packs *PackRegistry, contracts *contract.Loader, budgeter *budget.Budgeter, stream *ledger.Stream, metrics *Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:       cfg,
		providers: providers,
		packs:     packs,
		contracts: contracts,
		budgeter:  budgeter,
		stream:    stream,
		breakers:  newBreakerSet(logger),
		metrics:   metrics,
		logger:    logger,
	}
}

// PackVersion returns the version of a registered prompt pack, or "" when
// the pack is unknown. Consolidation folds this into artifact identity.
func (g *Gateway) PackVersion(packID string) string {
	if p, ok := g.packs.Get(packID); ok {
		return p.Version
	}
	return ""
}

// Route performs one LLM round-trip. Provider-side failures and budget
// rejections come back inside the response; Route never returns a Go
// error for them.
func (g *Gateway) Route(ctx context.Context, req *models.PromptRequest) *models.PromptResponse {
	providerID, modelID := g.resolveProvider(req)
	backend, ok := g.providers[providerID]
	if !ok {
		g.logger.Error("gateway: unknown provider", "provider", providerID, "work_order", req.WorkOrderID)
		return g.reject(req, providerID, "", ErrCodeUnknownProvider,
			fmt.Sprintf("no provider registered as %q", providerID))
	}

	scopeID := req.WorkOrderID
	if scopeID == "" {
		scopeID = req.SessionID
	}
	check := g.budgeter.Check(scopeID, req.MaxTokens)
	if !check.Allowed {
		return g.reject(req, providerID, "", ErrCodeBudgetExceeded, check.Reason)
	}
	if check.Reason != "" && g.budgeter.Mode() == budget.ModeWarn {
		g.budgeter.WriteWarning(scopeID, check.Reason, req.SessionID)
	}

	prompt, packID, err := g.renderPrompt(req)
	if err != nil {
		return g.reject(req, providerID, "", ErrCodeUnknownPack, err.Error())
	}

	sendReq := &provider.SendRequest{
		ModelID:          firstNonEmpty(req.ModelID, modelID),
		Prompt:           prompt,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TimeoutMS:        g.contractTimeout(req.ContractID),
		StructuredOutput: req.StructuredOutput,
		Tools:            req.Tools,
	}

	start := time.Now()
	provResp, err := g.breakers.execute(providerID, func() (*provider.Response, error) {
		return backend.Send(ctx, sendReq)
	})
	latency := time.Since(start)

	if err != nil {
		return g.handleSendError(req, providerID, packID, prompt, err, latency)
	}

	debit := g.budgeter.Debit(scopeID, budget.Usage{
		InputTokens:  provResp.InputTokens,
		OutputTokens: provResp.OutputTokens,
	})

	resp := &models.PromptResponse{
		Content:         provResp.Content,
		ContentBlocks:   provResp.ContentBlocks,
		FinishReason:    provResp.FinishReason,
		InputTokens:     provResp.InputTokens,
		OutputTokens:    provResp.OutputTokens,
		ModelID:         provResp.ModelID,
		ProviderID:      providerID,
		LatencyMS:       latency.Milliseconds(),
		PromptBytes:     len(prompt),
		Outcome:         models.OutcomeSuccess,
		CostIncurred:    debit.CostIncurred,
		BudgetRemaining: debit.Remaining,
	}
	resp.ExchangeEntryID = g.writeExchange(req, resp, packID, prompt, "routed", "")
	g.metrics.observe(providerID, string(models.OutcomeSuccess),
		provResp.InputTokens, provResp.OutputTokens, latency.Seconds())
	return resp
}

func (g *Gateway) resolveProvider(req *models.PromptRequest) (providerID, modelID string) {
	if req.ProviderID != "" {
		return req.ProviderID, req.ModelID
	}
	for _, tag := range req.DomainTags {
		if route, ok := g.cfg.DomainTagRoutes[tag]; ok {
			return route.ProviderID, route.ModelID
		}
	}
	return g.cfg.DefaultProvider, ""
}

// renderPrompt resolves the contract's prompt pack, substitutes template
// variables, and appends the continuation (tool-result follow-up) when
// present.
func (g *Gateway) renderPrompt(req *models.PromptRequest) (prompt, packID string, err error) {
	c, err := g.contracts.Load(req.ContractID)
	if err != nil {
		return "", "", fmt.Errorf("resolve prompt pack: %w", err)
	}
	pack, ok := g.packs.Get(c.PromptPackID)
	if !ok {
		return "", "", fmt.Errorf("prompt pack %q not registered", c.PromptPackID)
	}
	prompt = pack.Render(req.TemplateVars)
	if req.Continuation != "" {
		prompt = prompt + "\n\n" + req.Continuation
	}
	return prompt, pack.ID, nil
}

func (g *Gateway) contractTimeout(contractID string) int {
	c, err := g.contracts.Load(contractID)
	if err != nil {
		return 0
	}
	return c.Boundary.TimeoutMS
}

func (g *Gateway) handleSendError(req *models.PromptRequest, providerID, packID, prompt string, err error, latency time.Duration) *models.PromptResponse {
	code := provider.KindServerError
	if errors.Is(err, ErrBreakerOpen) {
		resp := g.errorResponse(req, providerID, ErrCodeCircuitOpen, err.Error(), latency)
		resp.ExchangeEntryID = g.writeExchange(req, resp, packID, prompt, "error", ErrCodeCircuitOpen)
		g.metrics.observe(providerID, string(models.OutcomeError), 0, 0, latency.Seconds())
		return resp
	}
	var te *provider.TransportError
	if errors.As(err, &te) {
		code = te.Kind
	}
	g.logger.Error("gateway: provider call failed",
		"provider", providerID, "work_order", req.WorkOrderID,
		"error_code", string(code), "error", err)
	resp := g.errorResponse(req, providerID, string(code), err.Error(), latency)
	resp.ExchangeEntryID = g.writeExchange(req, resp, packID, prompt, "error", string(code))
	g.metrics.observe(providerID, string(models.OutcomeError), 0, 0, latency.Seconds())
	return resp
}

func (g *Gateway) reject(req *models.PromptRequest, providerID, packID, code, reason string) *models.PromptResponse {
	resp := &models.PromptResponse{
		ProviderID: providerID,
		Outcome:    models.OutcomeRejected,
		ErrorCode:  code,
	}
	resp.ExchangeEntryID = g.writeExchange(req, resp, packID, "", "rejected", code+": "+reason)
	g.metrics.observe(providerID, string(models.OutcomeRejected), 0, 0, 0)
	return resp
}

func (g *Gateway) errorResponse(req *models.PromptRequest, providerID, code, reason string, latency time.Duration) *models.PromptResponse {
	return &models.PromptResponse{
		ProviderID: providerID,
		LatencyMS:  latency.Milliseconds(),
		Outcome:    models.OutcomeError,
		ErrorCode:  code,
	}
}

// writeExchange records the round-trip on the hot stream. The prompt and
// response content are stored whole so the exchange is replayable.
func (g *Gateway) writeExchange(req *models.PromptRequest, resp *models.PromptResponse, packID, prompt, decision, reason string) string {
	if g.stream == nil {
		return ""
	}
	var prompts []string
	if packID != "" {
		prompts = []string{packID}
	}
	id, err := g.stream.Write(&ledger.Entry{
		EventType:    ledger.EventExchange,
		SubmissionID: req.WorkOrderID,
		Decision:     decision,
		Reason:       reason,
		PromptsUsed:  prompts,
		Metadata: ledger.StandardMeta(ledger.TierHot, ledger.Provenance{
			SessionID:   req.SessionID,
			WorkOrderID: req.WorkOrderID,
		}, map[string]any{
			"provider":      resp.ProviderID,
			"model":         resp.ModelID,
			"prompt":        prompt,
			"response":      resp.Content,
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
			"latency_ms":    resp.LatencyMS,
			"outcome":       string(resp.Outcome),
			"error_code":    resp.ErrorCode,
		}),
	})
	if err != nil {
		g.logger.Error("gateway: failed to write EXCHANGE event",
			"work_order", req.WorkOrderID, "error", err)
		return ""
	}
	return id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
