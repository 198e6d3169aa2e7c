// Package models contains the shared value types passed between the
// supervisor, executor, gateway, and memory plane.
package models

import "time"

// WOType identifies the kind of cognitive work a work order carries.
type WOType string

const (
	WOClassify    WOType = "classify"
	WOSynthesize  WOType = "synthesize"
	WOToolCall    WOType = "tool_call"
	WOConsolidate WOType = "consolidate"
)

// WOState is the lifecycle state of a work order. Orders are never
// mutated after reaching StateCompleted or StateFailed.
type WOState string

const (
	StatePlanned    WOState = "planned"
	StateDispatched WOState = "dispatched"
	StateExecuting  WOState = "executing"
	StateCompleted  WOState = "completed"
	StateFailed     WOState = "failed"
)

// Constraints bounds a single work order: how many tokens it may spend,
// which tools it may call, and which prompt contract governs its I/O.
type Constraints struct {
	// TokenBudget is the work-order allocation reserved from the session scope.
	TokenBudget int `json:"token_budget"`

	// ToolsAllowed lists tool IDs the executor may dispatch. An empty list
	// means all extracted tool-use blocks are ignored.
	ToolsAllowed []string `json:"tools_allowed,omitempty"`

	// TurnLimit bounds the tool loop (rounds of LLM call + tool execution).
	TurnLimit int `json:"turn_limit"`

	// ContractID names the prompt contract (PRC-<TAG>-<NNN>).
	ContractID string `json:"prompt_contract_id"`

	// DomainTags route the call to a provider via the gateway's tag map.
	DomainTags []string `json:"domain_tags,omitempty"`

	// StructuredOutput requests the contract's structured-output spec.
	// Mutually exclusive with tools on the wire; the executor drops it
	// when ToolsAllowed is non-empty.
	StructuredOutput bool `json:"structured_output,omitempty"`

	// FollowupMinRemaining is the budget floor below which the tool loop
	// refuses to make a follow-up LLM call.
	FollowupMinRemaining int `json:"followup_min_remaining,omitempty"`
}

// Cost accumulates what a work order actually spent.
type Cost struct {
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	LLMCalls     int      `json:"llm_calls"`
	ToolIDsUsed  []string `json:"tool_ids_used,omitempty"`
}

// Add folds another cost into this one.
func (c *Cost) Add(other Cost) {
	c.InputTokens += other.InputTokens
	c.OutputTokens += other.OutputTokens
	c.LLMCalls += other.LLMCalls
	c.ToolIDsUsed = append(c.ToolIDsUsed, other.ToolIDsUsed...)
}

// WOError describes why a work order failed.
type WOError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WorkOrder is the atomic unit of cognitive dispatch. The supervisor owns
// it for its lifetime; the executor borrows it for one Execute call and
// returns a completed (or failed) copy.
type WorkOrder struct {
	ID          string         `json:"wo_id"`
	Type        WOType         `json:"wo_type"`
	SessionID   string         `json:"session_id"`
	State       WOState        `json:"state"`
	Constraints Constraints    `json:"constraints"`
	Input       map[string]any `json:"input_context,omitempty"`
	Output      map[string]any `json:"output_result,omitempty"`
	Cost        Cost           `json:"cost"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	Err         *WOError       `json:"error,omitempty"`
}

// Terminal reports whether the order has reached a final state.
func (w *WorkOrder) Terminal() bool {
	return w.State == StateCompleted || w.State == StateFailed
}

// Fail transitions the order to the failed state with the given error.
func (w *WorkOrder) Fail(kind, message string) *WorkOrder {
	w.State = StateFailed
	w.Err = &WOError{Kind: kind, Message: message}
	w.CompletedAt = time.Now().UTC()
	return w
}

// Complete transitions the order to the completed state with its result.
func (w *WorkOrder) Complete(output map[string]any) *WorkOrder {
	w.State = StateCompleted
	w.Output = output
	w.CompletedAt = time.Now().UTC()
	return w
}
