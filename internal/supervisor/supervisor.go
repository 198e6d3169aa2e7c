// Package supervisor is the tier-L2 orchestrator. One HandleTurn call
// runs the full dispatch loop for a user message: classify, assemble
// context with memory biases, synthesize (with tools), quality-gate the
// result, persist the turn, and extract signals for consolidation.
package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/cortex/internal/budget"
	"github.com/haasonsaas/cortex/internal/executor"
	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/internal/memory"
	"github.com/haasonsaas/cortex/internal/quality"
	"github.com/haasonsaas/cortex/internal/session"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Config holds the supervisor's tunables.
type Config struct {
	AgentClass           string
	ToolsAllowed         []string
	MaxRetries           int
	AttentionBudgetChars int

	ClassifyContract    string
	SynthesizeContract  string
	ConsolidateContract string

	ClassifyBudget       int
	SynthesizeBudget     int
	ConsolidationBudget  int
	FollowupMinRemaining int
	TurnLimit            int

	// ConsolidationModel and PromptPackVersion fold into artifact
	// identity so a model or pack change re-opens consolidation for a
	// signal.
	ConsolidationModel string
	PromptPackVersion  string
}

// DefaultConfig returns the standing defaults.
func DefaultConfig() Config {
	return Config{
		AgentClass:           "dispatch",
		MaxRetries:           1,
		AttentionBudgetChars: defaultAttentionBudget,
		ClassifyContract:     "PRC-CLS-001",
		SynthesizeContract:   "PRC-SYN-001",
		ConsolidateContract:  "PRC-CON-001",
		ClassifyBudget:       1000,
		SynthesizeBudget:     4000,
		ConsolidationBudget:  2000,
		FollowupMinRemaining: 200,
		TurnLimit:            3,
		ConsolidationModel:   "default",
		PromptPackVersion:    "1.0.0",
	}
}

// Classification is the parsed output of a classify work order.
type Classification struct {
	SpeechAct  string `json:"speech_act"`
	Domain     string `json:"domain"`
	NeedsTools bool   `json:"needs_tools"`
}

// WOSummary is one work order's line in the chain summary.
type WOSummary struct {
	ID    string         `json:"wo_id"`
	Type  models.WOType  `json:"wo_type"`
	State models.WOState `json:"state"`
	Cost  models.Cost    `json:"cost"`
}

// TurnResult is what one HandleTurn call returns to the shell.
type TurnResult struct {
	Response                string        `json:"response"`
	SessionID               string        `json:"session_id"`
	WOChainSummary          []WOSummary   `json:"wo_chain_summary"`
	CostSummary             models.Cost   `json:"cost_summary"`
	ConsolidationCandidates []string      `json:"consolidation_candidates,omitempty"`
	Degraded                bool          `json:"degraded,omitempty"`
	TraceHash               string        `json:"trace_hash"`
	Elapsed                 time.Duration `json:"-"`
}

// Supervisor drives the turn loop. Reentrant across sessions as long as
// its collaborators are.
type Supervisor struct {
	cfg      Config
	exec     *executor.Executor
	sessions *session.Manager
	budgeter *budget.Budgeter
	plane    *memory.Plane
	ho1      *ledger.Stream
	ho2      *ledger.Stream
	logger   *slog.Logger
}

// New creates a supervisor.
func New(cfg Config, exec *executor.Executor, sessions *session.Manager, budgeter *budget.Budgeter, plane *memory.Plane, ho1, ho2 *ledger.Stream, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Supervisor{
		cfg:      cfg,
		exec:     exec,
		sessions: sessions,
		budgeter: budgeter,
		plane:    plane,
		ho1:      ho1,
		ho2:      ho2,
		logger:   logger,
	}
}

// StartSession opens a session and its budget scope.
func (s *Supervisor) StartSession(sessionTokenLimit int) string {
	id := s.sessions.Start(s.cfg.AgentClass)
	s.budgeter.AllocateSession(id, sessionTokenLimit)
	return id
}

// EndSession closes the session.
func (s *Supervisor) EndSession(sessionID string) {
	s.sessions.End(sessionID, session.Summary{
		TokensConsumed: s.budgeter.Consumed(sessionID),
	})
}

// HandleTurn runs one user turn end to end. The turn is always recorded,
// whatever path it exits through.
func (s *Supervisor) HandleTurn(ctx context.Context, sessionID, userInput string) *TurnResult {
	start := time.Now()
	result := &TurnResult{SessionID: sessionID}
	var chain []*models.WorkOrder

	defer func() {
		// Exactly one TURN_RECORDED per user turn, on every exit path.
		s.sessions.AddTurn(sessionID, userInput, result.Response)
		result.Elapsed = time.Since(start)
	}()

	classification, classifyWO := s.classify(ctx, sessionID, userInput)
	if classifyWO != nil {
		chain = append(chain, classifyWO)
	}

	biasCtx, horizCtx := assembleContext(
		s.activeBiasLines(classification),
		horizontalLines([]*ledger.Stream{s.ho2, s.ho1}, sessionID, 10),
		s.cfg.AttentionBudgetChars)

	synthWO := s.synthesize(ctx, sessionID, userInput, biasCtx, horizCtx, s.cfg.SynthesizeBudget)
	chain = append(chain, synthWO)

	verdict := s.runQualityGate(synthWO, chain)
	if verdict.Decision == quality.Reject {
		s.logger.Warn("quality gate rejected synthesis, retrying",
			"session", sessionID, "work_order", synthWO.ID, "reason", verdict.Reason)
		retryWO := s.synthesize(ctx, sessionID, userInput, biasCtx, horizCtx, tightened(s.cfg.SynthesizeBudget))
		chain = append(chain, retryWO)
		retryVerdict := s.runQualityGate(retryWO, chain)
		if retryVerdict.Decision == quality.Reject {
			s.writeEvent(ledger.EventEscalation, sessionID, retryWO.ID, "escalated",
				"quality gate rejected retry: "+retryVerdict.Reason, nil)
			result.Response = degradedResponse(retryWO, retryVerdict.Reason)
			result.Degraded = true
			s.writeEvent(ledger.EventDegradation, sessionID, retryWO.ID, "degraded",
				retryVerdict.Reason, nil)
		} else {
			result.Response = responseText(retryWO)
		}
	} else {
		result.Response = responseText(synthWO)
	}

	result.TraceHash = s.traceHash(chain)
	for _, wo := range chain {
		result.CostSummary.Add(wo.Cost)
		result.WOChainSummary = append(result.WOChainSummary, WOSummary{
			ID: wo.ID, Type: wo.Type, State: wo.State, Cost: wo.Cost,
		})
	}
	s.writeEvent(ledger.EventWOChainComplete, sessionID, lastWOID(chain), "complete", "", map[string]any{
		"trace_hash":   result.TraceHash,
		"work_orders":  len(chain),
		"total_tokens": result.CostSummary.InputTokens + result.CostSummary.OutputTokens,
	})

	result.ConsolidationCandidates = s.extractSignals(sessionID, classification, chain)
	return result
}

// classify dispatches the classify work order. Classification failures
// degrade to a neutral statement rather than failing the turn.
func (s *Supervisor) classify(ctx context.Context, sessionID, userInput string) (Classification, *models.WorkOrder) {
	fallback := Classification{SpeechAct: "statement"}
	wo := s.newWorkOrder(sessionID, models.WOClassify, models.Constraints{
		TokenBudget:      s.cfg.ClassifyBudget,
		TurnLimit:        1,
		ContractID:       s.cfg.ClassifyContract,
		StructuredOutput: true,
	}, map[string]any{"user_input": userInput})
	if wo == nil {
		return fallback, nil
	}

	done := s.exec.Execute(ctx, wo)
	s.budgeter.ReleaseWorkOrder(wo.ID)
	if done.State != models.StateCompleted {
		s.logger.Warn("classification failed, using fallback",
			"session", sessionID, "work_order", wo.ID)
		return fallback, done
	}

	var c Classification
	raw, err := json.Marshal(done.Output)
	if err == nil {
		_ = json.Unmarshal(raw, &c)
	}
	if c.SpeechAct == "" {
		c = fallback
	}
	return c, done
}

func (s *Supervisor) synthesize(ctx context.Context, sessionID, userInput, biasCtx, horizCtx string, tokenBudget int) *models.WorkOrder {
	wo := s.newWorkOrder(sessionID, models.WOSynthesize, models.Constraints{
		TokenBudget:          tokenBudget,
		ToolsAllowed:         s.cfg.ToolsAllowed,
		TurnLimit:            s.cfg.TurnLimit,
		ContractID:           s.cfg.SynthesizeContract,
		FollowupMinRemaining: s.cfg.FollowupMinRemaining,
	}, map[string]any{
		"user_input":   userInput,
		"bias_context": emptyFallback(biasCtx, "(none)"),
		"context":      emptyFallback(horizCtx, "(none)"),
	})
	if wo == nil {
		failed := &models.WorkOrder{
			ID:        "WO-unallocated",
			Type:      models.WOSynthesize,
			SessionID: sessionID,
			CreatedAt: time.Now().UTC(),
		}
		return failed.Fail(executor.FailBudgetExhausted, "session budget cannot cover synthesis")
	}
	done := s.exec.Execute(ctx, wo)
	s.budgeter.ReleaseWorkOrder(wo.ID)
	return done
}

// newWorkOrder allocates budget and builds a dispatched order. Returns
// nil when the reservation is refused.
func (s *Supervisor) newWorkOrder(sessionID string, woType models.WOType, constraints models.Constraints, input map[string]any) *models.WorkOrder {
	id := s.sessions.NextWOID(sessionID)
	if err := s.budgeter.AllocateWorkOrder(sessionID, id, constraints.TokenBudget); err != nil {
		s.logger.Warn("work-order budget reservation refused",
			"session", sessionID, "work_order", id, "error", err)
		return nil
	}
	return &models.WorkOrder{
		ID:          id,
		Type:        woType,
		SessionID:   sessionID,
		State:       models.StateDispatched,
		Constraints: constraints,
		Input:       input,
		CreatedAt:   time.Now().UTC(),
	}
}

// runQualityGate verifies one work order's output and records the
// verdict with the trace hash of the chain so far.
func (s *Supervisor) runQualityGate(wo *models.WorkOrder, chain []*models.WorkOrder) quality.Verdict {
	var verdict quality.Verdict
	if wo.State != models.StateCompleted {
		reason := "work order failed"
		if wo.Err != nil {
			reason = wo.Err.Kind + ": " + wo.Err.Message
		}
		verdict = quality.Verdict{Decision: quality.Reject, Reason: reason}
	} else {
		verdict = quality.Verify(wo.Output, quality.Criteria{RequiredKey: "response_text", MinLength: 1}, wo.ID)
	}
	s.writeEvent(ledger.EventWOQualityGate, wo.SessionID, wo.ID, string(verdict.Decision), verdict.Reason,
		map[string]any{"trace_hash": s.traceHash(chain)})
	return verdict
}

func (s *Supervisor) activeBiasLines(classification Classification) []string {
	if s.plane == nil || !s.plane.Enabled() {
		return nil
	}
	biases, err := s.plane.ReadActiveBiases(time.Now().UTC())
	if err != nil {
		s.logger.Warn("failed to read active biases", "error", err)
		return nil
	}
	return biasLines(biases, classification, s.cfg.ToolsAllowed)
}

// extractSignals logs intent and tool signals for the turn and returns
// the signal IDs whose consolidation gate crossed.
func (s *Supervisor) extractSignals(sessionID string, classification Classification, chain []*models.WorkOrder) []string {
	if s.plane == nil || !s.plane.Enabled() {
		return nil
	}

	signalIDs := []string{"intent:" + classification.SpeechAct}
	seen := map[string]bool{signalIDs[0]: true}
	for _, wo := range chain {
		for _, toolID := range wo.Cost.ToolIDsUsed {
			id := "tool:" + toolID
			if !seen[id] {
				seen[id] = true
				signalIDs = append(signalIDs, id)
			}
		}
	}

	var candidates []string
	now := time.Now().UTC()
	for _, signalID := range signalIDs {
		if _, err := s.plane.LogSignal(signalID, sessionID, lastWOID(chain), nil); err != nil {
			s.logger.Error("failed to log signal", "signal", signalID, "error", err)
			continue
		}
		gate, err := s.plane.CheckGate(signalID, now)
		if err != nil {
			s.logger.Error("gate check failed", "signal", signalID, "error", err)
			continue
		}
		if gate.Crossed {
			candidates = append(candidates, signalID)
		}
	}
	return candidates
}

// traceHash hashes the concatenated canonical JSON of the chain's ho1
// entries, in append order.
func (s *Supervisor) traceHash(chain []*models.WorkOrder) string {
	ids := make(map[string]bool, len(chain))
	for _, wo := range chain {
		ids[wo.ID] = true
	}
	entries, err := s.ho1.ReadAll()
	if err != nil {
		s.logger.Error("failed to read execution trace", "error", err)
		return ""
	}
	h := sha256.New()
	for _, e := range entries {
		if !ids[e.SubmissionID] {
			continue
		}
		canon, err := ledger.CanonicalJSON(e)
		if err != nil {
			continue
		}
		h.Write(canon)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Supervisor) writeEvent(eventType, sessionID, woID, decision, reason string, extra map[string]any) {
	if s.ho2 == nil {
		return
	}
	if _, err := s.ho2.Write(&ledger.Entry{
		EventType:    eventType,
		SubmissionID: woID,
		Decision:     decision,
		Reason:       reason,
		Metadata: ledger.StandardMeta(ledger.TierHO2, ledger.Provenance{
			AgentClass:  s.cfg.AgentClass,
			SessionID:   sessionID,
			WorkOrderID: woID,
		}, extra),
	}); err != nil {
		s.logger.Error("failed to write supervisor event",
			"event", eventType, "session", sessionID, "error", err)
	}
}

func responseText(wo *models.WorkOrder) string {
	if wo.Output == nil {
		return ""
	}
	if text, ok := wo.Output["response_text"].(string); ok {
		return text
	}
	raw, err := json.Marshal(wo.Output)
	if err != nil {
		return ""
	}
	return string(raw)
}

// degradedResponse distinguishes budget failures (a plain error the user
// can act on) from execution failures (a degradation of service).
func degradedResponse(wo *models.WorkOrder, reason string) string {
	if wo.State == models.StateFailed && wo.Err != nil {
		if wo.Err.Kind == executor.FailBudgetExhausted {
			return "[Error: budget_exhausted]"
		}
		return fmt.Sprintf("[Degradation: %s]", wo.Err.Kind)
	}
	return fmt.Sprintf("[Error: unable to produce a verified response (%s)]", reason)
}

func tightened(tokenBudget int) int {
	half := tokenBudget / 2
	if half < 256 {
		half = 256
	}
	return half
}

func emptyFallback(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func lastWOID(chain []*models.WorkOrder) string {
	if len(chain) == 0 {
		return ""
	}
	return chain[len(chain)-1].ID
}
