// Package executor runs single work orders: it validates the contract I/O,
// drives the gateway call, dispatches tool-use rounds, and settles the
// order into exactly one terminal state with a WO_COMPLETED or WO_FAILED
// trace on the ho1 stream.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/cortex/internal/budget"
	"github.com/haasonsaas/cortex/internal/contract"
	"github.com/haasonsaas/cortex/internal/gateway"
	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/internal/tooling"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Failure kinds recorded in WorkOrder.Err.Kind.
const (
	FailContractNotFound   = "contract_not_found"
	FailInputSchemaInvalid = "input_schema_invalid"
	FailBudgetExhausted    = "budget_exhausted"
	FailTurnLimit          = "turn_limit_exceeded"
	FailToolError          = "tool_error"
	FailInternal           = "internal_error"
)

// Executor is the tier-L1 work-order engine. It is stateless between
// Execute calls; all durable state lives in the ledger.
type Executor struct {
	gateway   *gateway.Gateway
	contracts *contract.Loader
	tools     *tooling.Registry
	budgeter  *budget.Budgeter
	stream    *ledger.Stream
	logger    *slog.Logger
}

// New creates an executor writing its trace to stream (the ho1 stream).
func New(gw *gateway.Gateway, contracts *contract.Loader, tools *tooling.Registry, budgeter *budget.Budgeter, stream *ledger.Stream, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		gateway:   gw,
		contracts: contracts,
		tools:     tools,
		budgeter:  budgeter,
		stream:    stream,
		logger:    logger,
	}
}

// Execute runs one work order to a terminal state. It never returns a Go
// error: failures settle the order as failed and come back in the order
// itself.
func (e *Executor) Execute(ctx context.Context, wo *models.WorkOrder) (out *models.WorkOrder) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("executor: panic during execution", "work_order", wo.ID, "panic", rec)
			out = wo.Fail(FailInternal, fmt.Sprintf("panic: %v", rec))
			e.writeTerminal(out)
		}
	}()

	wo.State = models.StateExecuting
	e.write(ledger.EventWOExecuting, wo, "executing", string(wo.Type), nil, nil)

	if wo.Type == models.WOToolCall {
		return e.executeToolCall(ctx, wo)
	}
	return e.executeLLM(ctx, wo)
}

// executeToolCall dispatches a direct tool invocation with no LLM.
func (e *Executor) executeToolCall(ctx context.Context, wo *models.WorkOrder) *models.WorkOrder {
	toolID, _ := wo.Input["tool_id"].(string)
	if toolID == "" {
		wo.Fail(FailToolError, "tool_call work order has no tool_id")
		e.writeTerminal(wo)
		return wo
	}
	args, err := json.Marshal(wo.Input["arguments"])
	if err != nil {
		wo.Fail(FailToolError, "tool_call arguments are not encodable: "+err.Error())
		e.writeTerminal(wo)
		return wo
	}

	res := e.tools.Execute(ctx, toolID, args)
	e.writeToolCall(wo, toolID, args, res)
	wo.Cost.ToolIDsUsed = append(wo.Cost.ToolIDsUsed, toolID)

	if res.Status != "ok" {
		wo.Fail(FailToolError, res.Error)
		e.writeTerminal(wo)
		return wo
	}
	wo.Complete(map[string]any{"tool_id": toolID, "result": res.Output})
	e.writeTerminal(wo)
	return wo
}

// executeLLM runs the contract-governed LLM path, including the bounded
// tool loop.
func (e *Executor) executeLLM(ctx context.Context, wo *models.WorkOrder) *models.WorkOrder {
	c, err := e.contracts.Load(wo.Constraints.ContractID)
	if err != nil {
		wo.Fail(FailContractNotFound, err.Error())
		e.writeTerminal(wo)
		return wo
	}
	if err := c.ValidateInput(wo.Input); err != nil {
		wo.Fail(FailInputSchemaInvalid, err.Error())
		e.writeTerminal(wo)
		return wo
	}

	req := e.buildRequest(wo, c)
	turnLimit := wo.Constraints.TurnLimit
	if turnLimit <= 0 {
		turnLimit = 1
	}

	// A round is one LLM call plus its tool dispatches. turn_limit bounds
	// the tool rounds; the final follow-up call after the last round is
	// still allowed, so at most turn_limit+1 calls happen.
	var finalContent string
	for round := 0; ; round++ {
		resp := e.gateway.Route(ctx, req)
		e.writeLLMCall(wo, c.PromptPackID, req, resp)
		wo.Cost.Add(models.Cost{
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			LLMCalls:     1,
		})

		if resp.Outcome != models.OutcomeSuccess {
			if e.budgeter.Mode() == budget.ModeWarn && resp.ErrorCode == gateway.ErrCodeBudgetExceeded {
				e.budgeter.WriteWarning(wo.ID, "continuing past budget rejection", wo.SessionID)
			} else {
				wo.Fail(errorKind(resp.ErrorCode), "gateway returned "+string(resp.Outcome)+": "+resp.ErrorCode)
				e.writeTerminal(wo)
				return wo
			}
		}

		uses := extractToolUses(resp, wo.Constraints.ToolsAllowed)
		if len(uses) == 0 {
			finalContent = resp.Content
			break
		}
		if round >= turnLimit {
			wo.Fail(FailTurnLimit, fmt.Sprintf("still requesting tools after %d rounds", turnLimit))
			e.writeTerminal(wo)
			return wo
		}

		var results []string
		for _, use := range uses {
			res := e.tools.Execute(ctx, use.ToolName, use.Input)
			e.writeToolCall(wo, use.ToolName, use.Input, res)
			wo.Cost.ToolIDsUsed = append(wo.Cost.ToolIDsUsed, use.ToolName)
			results = append(results, formatToolResult(use.ToolName, res))
		}
		req.Continuation = joinContinuation(req.Continuation, resp.Content, results)

		remaining := e.budgeter.Remaining(wo.ID)
		if remaining < wo.Constraints.FollowupMinRemaining {
			reason := fmt.Sprintf("remaining budget %d below follow-up floor %d", remaining, wo.Constraints.FollowupMinRemaining)
			switch budget.ApplyPolicy(true, e.budgeter.Mode()) {
			case budget.PolicyFail:
				wo.Fail(FailBudgetExhausted, reason)
				e.writeTerminal(wo)
				return wo
			case budget.PolicyWarn:
				e.budgeter.WriteWarning(wo.ID, reason, wo.SessionID)
			}
		}
	}

	wo.Complete(e.parseOutput(finalContent, c))
	e.writeTerminal(wo)
	return wo
}

// buildRequest assembles the gateway request from the order and its
// contract. Structured output and tools are mutually exclusive on the
// wire; tools win.
func (e *Executor) buildRequest(wo *models.WorkOrder, c *contract.Contract) *models.PromptRequest {
	req := &models.PromptRequest{
		ContractID:   c.ContractID,
		MaxTokens:    c.Boundary.MaxTokens,
		Temperature:  c.Boundary.Temperature,
		TemplateVars: wo.Input,
		DomainTags:   wo.Constraints.DomainTags,
		SessionID:    wo.SessionID,
		WorkOrderID:  wo.ID,
	}
	if len(wo.Constraints.DomainTags) == 0 {
		req.DomainTags = c.DomainTags
	}
	if len(wo.Constraints.ToolsAllowed) > 0 {
		req.Tools = e.tools.APITools(wo.Constraints.ToolsAllowed)
	} else if wo.Constraints.StructuredOutput {
		req.StructuredOutput = c.StructuredOutput
	}
	return req
}

// parseOutput strips code fences and validates the content against the
// contract's output schema. Content that fails to parse or validate is
// wrapped as {"response_text": raw}.
func (e *Executor) parseOutput(content string, c *contract.Contract) map[string]any {
	stripped := StripCodeFences(content)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(stripped), &parsed); err == nil {
		if err := c.ValidateOutput(parsed); err == nil {
			return parsed
		}
	}
	return map[string]any{"response_text": content}
}

// extractToolUses pulls tool-use blocks from the response. Typed content
// blocks are authoritative; plain-text backends fall back to a lenient
// scan of the content when finish_reason says tools were used. An empty
// allow-list drops everything, including provider pseudo-tools.
func extractToolUses(resp *models.PromptResponse, allowed []string) []models.ContentBlock {
	if len(allowed) == 0 {
		return nil
	}
	allowSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowSet[id] = true
	}

	uses := resp.ToolUseBlocks()
	if len(uses) == 0 && resp.FinishReason == models.FinishToolUse {
		uses = scanTextToolUses(resp.Content)
	}

	var out []models.ContentBlock
	for _, u := range uses {
		if allowSet[u.ToolName] {
			out = append(out, u)
		}
	}
	return out
}

// scanTextToolUses recovers tool calls from plain text of the form
// {"tool": "...", "arguments": {...}}, with or without code fences.
func scanTextToolUses(content string) []models.ContentBlock {
	var call struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}
	stripped := StripCodeFences(content)
	if err := json.Unmarshal([]byte(stripped), &call); err != nil || call.Tool == "" {
		return nil
	}
	return []models.ContentBlock{{
		Type:     "tool_use",
		ToolName: call.Tool,
		Input:    call.Arguments,
	}}
}

// StripCodeFences removes a single wrapping markdown code fence, with or
// without a language tag.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func formatToolResult(toolID string, res *tooling.Result) string {
	raw, err := json.Marshal(res)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"status":"error","error":%q}`, err.Error()))
	}
	return fmt.Sprintf("Tool %s returned:\n%s", toolID, raw)
}

func joinContinuation(prev, assistantContent string, results []string) string {
	var b strings.Builder
	if prev != "" {
		b.WriteString(prev)
		b.WriteString("\n\n")
	}
	if assistantContent != "" {
		b.WriteString("Assistant (previous turn):\n")
		b.WriteString(assistantContent)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.Join(results, "\n\n"))
	b.WriteString("\n\nUse the tool results above to answer the user with plain text.")
	return b.String()
}

func errorKind(errorCode string) string {
	if errorCode == gateway.ErrCodeBudgetExceeded {
		return FailBudgetExhausted
	}
	if errorCode == "" {
		return FailInternal
	}
	return errorCode
}

// writeTerminal records exactly one WO_COMPLETED or WO_FAILED event.
func (e *Executor) writeTerminal(wo *models.WorkOrder) {
	if wo.State == models.StateCompleted {
		e.write(ledger.EventWOCompleted, wo, "completed", string(wo.Type), nil, map[string]any{
			"cost": map[string]any{
				"input_tokens":  wo.Cost.InputTokens,
				"output_tokens": wo.Cost.OutputTokens,
				"llm_calls":     wo.Cost.LLMCalls,
				"tool_ids_used": wo.Cost.ToolIDsUsed,
			},
		})
		return
	}
	reason := ""
	kind := FailInternal
	if wo.Err != nil {
		reason = wo.Err.Message
		kind = wo.Err.Kind
	}
	e.write(ledger.EventWOFailed, wo, "failed", reason, nil, map[string]any{
		"error_kind": kind,
		"cost": map[string]any{
			"input_tokens":  wo.Cost.InputTokens,
			"output_tokens": wo.Cost.OutputTokens,
			"llm_calls":     wo.Cost.LLMCalls,
		},
	})
}

func (e *Executor) writeLLMCall(wo *models.WorkOrder, packID string, req *models.PromptRequest, resp *models.PromptResponse) {
	e.write(ledger.EventLLMCall, wo, string(resp.Outcome), resp.ErrorCode, []string{packID}, map[string]any{
		"model":         resp.ModelID,
		"provider":      resp.ProviderID,
		"prompt_bytes":  resp.PromptBytes,
		"content_bytes": len(resp.Content),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"latency_ms":    resp.LatencyMS,
		"exchange_id":   resp.ExchangeEntryID,
	})
}

func (e *Executor) writeToolCall(wo *models.WorkOrder, toolID string, args json.RawMessage, res *tooling.Result) {
	resultRaw, _ := json.Marshal(res.Output)
	e.write(ledger.EventToolCall, wo, res.Status, res.Error, nil, map[string]any{
		"tool_id":      toolID,
		"arguments":    json.RawMessage(args),
		"result":       json.RawMessage(resultRaw),
		"tool_error":   res.Error,
		"args_bytes":   len(args),
		"result_bytes": len(resultRaw),
	})
}

func (e *Executor) write(eventType string, wo *models.WorkOrder, decision, reason string, prompts []string, extra map[string]any) {
	if e.stream == nil {
		return
	}
	if _, err := e.stream.Write(&ledger.Entry{
		EventType:    eventType,
		SubmissionID: wo.ID,
		Decision:     decision,
		Reason:       reason,
		PromptsUsed:  prompts,
		Metadata: ledger.StandardMeta(ledger.TierHO1, ledger.Provenance{
			AgentClass:  "executor",
			SessionID:   wo.SessionID,
			WorkOrderID: wo.ID,
		}, extra),
	}); err != nil {
		e.logger.Error("executor: failed to write ledger event",
			"event", eventType, "work_order", wo.ID, "error", err)
	}
}
