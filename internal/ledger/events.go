package ledger

// Event types written by each tier. A stream only ever carries the types
// its owning component emits, but the names live here so readers can
// filter without importing the writer.
const (
	// hot stream (gateway, budgeter)
	EventExchange      = "EXCHANGE"
	EventBudgetDebit   = "BUDGET_DEBIT"
	EventBudgetWarning = "BUDGET_WARNING"

	// ho1 stream (executor)
	EventWOExecuting = "WO_EXECUTING"
	EventLLMCall     = "LLM_CALL"
	EventToolCall    = "TOOL_CALL"
	EventWOCompleted = "WO_COMPLETED"
	EventWOFailed    = "WO_FAILED"

	// ho2 stream (supervisor, session manager, quality gate)
	EventSessionStart    = "SESSION_START"
	EventSessionEnd      = "SESSION_END"
	EventTurnRecorded    = "TURN_RECORDED"
	EventWOChainComplete = "WO_CHAIN_COMPLETE"
	EventWOQualityGate   = "WO_QUALITY_GATE"
	EventEscalation      = "ESCALATION"
	EventDegradation     = "DEGRADATION"

	// memory streams
	EventSignal               = "SIGNAL"
	EventOverlay              = "OVERLAY"
	EventOverlayDeactivated   = "OVERLAY_DEACTIVATED"
	EventOverlayWeightUpdated = "OVERLAY_WEIGHT_UPDATED"
)

// Tier names used under the metadata key "scope.tier".
const (
	TierHot = "hot"
	TierHO1 = "ho1"
	TierHO2 = "ho2"
)

// Provenance carries the standardized nested metadata keys every entry
// should identify itself with.
type Provenance struct {
	AgentID     string
	AgentClass  string
	SessionID   string
	WorkOrderID string
	TurnNumber  int
}

// StandardMeta builds a metadata map with the scope/provenance key
// standard. Extra keys are merged at the top level.
func StandardMeta(tier string, prov Provenance, extra map[string]any) map[string]any {
	meta := map[string]any{
		"scope": map[string]any{"tier": tier},
	}
	p := map[string]any{}
	if prov.AgentID != "" {
		p["agent_id"] = prov.AgentID
	}
	if prov.AgentClass != "" {
		p["agent_class"] = prov.AgentClass
	}
	if prov.SessionID != "" {
		p["session_id"] = prov.SessionID
	}
	if prov.WorkOrderID != "" {
		p["work_order_id"] = prov.WorkOrderID
	}
	if prov.TurnNumber > 0 {
		p["turn_number"] = prov.TurnNumber
	}
	if len(p) > 0 {
		meta["provenance"] = p
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}
