package models

import "encoding/json"

// FinishReason is the provider's reason for ending a generation.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishLength  FinishReason = "length"
	FinishToolUse FinishReason = "tool_use"
)

// Outcome classifies a gateway round-trip.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// ContentBlock is one typed block of a provider response. Text blocks carry
// Text; tool_use blocks carry ToolID, ToolName, and Input.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ToolSchema is the JSON-Schema description of a tool as the LLM sees it.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// StructuredOutput asks the provider to emit JSON matching a schema.
type StructuredOutput struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// PromptRequest is the executor's request to the gateway for one LLM call.
type PromptRequest struct {
	ContractID   string         `json:"contract_id"`
	ModelID      string         `json:"model_id,omitempty"`
	ProviderID   string         `json:"provider_id,omitempty"`
	MaxTokens    int            `json:"max_tokens"`
	Temperature  float64        `json:"temperature"`
	TemplateVars map[string]any `json:"template_variables,omitempty"`

	// Continuation is appended after the rendered prompt pack; the
	// executor uses it to feed tool results back into follow-up calls.
	Continuation string `json:"continuation,omitempty"`

	Tools            []ToolSchema      `json:"tools,omitempty"`
	StructuredOutput *StructuredOutput `json:"structured_output,omitempty"`
	DomainTags       []string          `json:"domain_tags,omitempty"`
	SessionID        string            `json:"session_id"`
	WorkOrderID      string            `json:"work_order_id"`
}

// PromptResponse is the gateway's answer for one LLM call. Outcome encodes
// success or the rejection/error class; the gateway never returns a Go
// error for provider-side failures.
type PromptResponse struct {
	Content string `json:"content"`

	// ContentBlocks preserves typed blocks including tool_use entries.
	// Nil when the backing provider only produces plain text.
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`

	FinishReason FinishReason `json:"finish_reason"`
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	ModelID      string       `json:"model_id"`
	ProviderID   string       `json:"provider_id"`
	LatencyMS    int64        `json:"latency_ms"`

	// PromptBytes is the size of the fully rendered prompt that was sent.
	PromptBytes int `json:"prompt_bytes,omitempty"`

	Outcome   Outcome `json:"outcome"`
	ErrorCode string  `json:"error_code,omitempty"`

	// ExchangeEntryID is the ledger ID of the EXCHANGE event for this call.
	ExchangeEntryID string `json:"exchange_entry_id,omitempty"`

	CostIncurred    int `json:"cost_incurred"`
	BudgetRemaining int `json:"budget_remaining"`
}

// ToolUseBlocks returns the tool_use blocks of the response, if any.
func (r *PromptResponse) ToolUseBlocks() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.ContentBlocks {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}
