package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/cortex/internal/memory"
	"github.com/haasonsaas/cortex/pkg/models"
)

// consolidateArtifact is the structured output expected from a
// consolidate work order.
type consolidateArtifact struct {
	ContextLine  string  `json:"context_line"`
	ArtifactType string  `json:"artifact_type"`
	Weight       float64 `json:"weight"`
}

// RunConsolidation turns gate-crossed signals into memory overlays. The
// shell calls it out-of-band after the turn's response is delivered;
// failures are logged and never affect the already-returned turn.
func (s *Supervisor) RunConsolidation(ctx context.Context, sessionID string, signalIDs []string) {
	if s.plane == nil || !s.plane.Enabled() {
		return
	}
	for _, signalID := range signalIDs {
		if err := s.consolidateSignal(ctx, sessionID, signalID); err != nil {
			s.logger.Error("consolidation failed", "signal", signalID, "error", err)
		}
	}
}

func (s *Supervisor) consolidateSignal(ctx context.Context, sessionID, signalID string) error {
	now := time.Now().UTC()

	// Re-check under the gate before spending tokens; a parallel turn may
	// have consolidated this signal already.
	gate, err := s.plane.CheckGate(signalID, now)
	if err != nil {
		return err
	}
	if !gate.Crossed {
		s.logger.Debug("skipping consolidation, gate no longer crossed",
			"signal", signalID, "reason", gate.Reason)
		return nil
	}

	accs, err := s.plane.ReadSignals(signalID, 1, &now)
	if err != nil {
		return err
	}
	if len(accs) == 0 {
		return nil
	}
	acc := accs[0]

	wo := s.newWorkOrder(sessionID, models.WOConsolidate, models.Constraints{
		TokenBudget:      s.cfg.ConsolidationBudget,
		TurnLimit:        1,
		ContractID:       s.cfg.ConsolidateContract,
		DomainTags:       []string{"consolidation"},
		StructuredOutput: true,
	}, map[string]any{
		"signal_summary": signalSummary(acc),
	})
	if wo == nil {
		return nil
	}
	done := s.exec.Execute(ctx, wo)
	s.budgeter.ReleaseWorkOrder(wo.ID)
	if done.State != models.StateCompleted {
		if done.Err != nil {
			s.logger.Warn("consolidate work order failed",
				"signal", signalID, "kind", done.Err.Kind, "message", done.Err.Message)
		}
		return nil
	}

	var artifact consolidateArtifact
	raw, err := json.Marshal(done.Output)
	if err == nil {
		_ = json.Unmarshal(raw, &artifact)
	}
	if artifact.ContextLine == "" {
		s.logger.Warn("consolidate output has no context line", "signal", signalID)
		return nil
	}
	if artifact.Weight <= 0 || artifact.Weight > 1 {
		artifact.Weight = 0.5
	}

	window := time.Duration(s.plane.Config().GateWindowHours * float64(time.Hour))
	windowKey := now.Truncate(window).Format(time.RFC3339)
	overlay := &models.Overlay{
		ArtifactID: memory.ArtifactID(acc.EventIDs, windowKey,
			s.cfg.ConsolidationModel, s.cfg.PromptPackVersion),
		SignalID:       signalID,
		ArtifactType:   artifactType(artifact.ArtifactType),
		Labels:         signalLabels(signalID),
		Weight:         artifact.Weight,
		Scope:          models.ScopeAgent,
		ContextLine:    artifact.ContextLine,
		SourceEventIDs: acc.EventIDs,
		SalienceWeight: artifact.Weight,
		DecayModifier:  1,
		WindowStart:    now.Add(-window),
		WindowEnd:      now,
	}
	overlayID, err := s.plane.LogOverlay(overlay)
	if err != nil {
		return err
	}
	s.logger.Info("signal consolidated",
		"signal", signalID, "overlay", overlayID, "artifact", overlay.ArtifactID)
	return nil
}

func signalSummary(acc *models.Accumulator) string {
	return fmt.Sprintf("signal %s: seen %d times across %d sessions, last at %s",
		acc.SignalID, acc.Count, len(acc.SessionIDs), acc.LastSeen.Format(time.RFC3339))
}

func artifactType(raw string) models.ArtifactType {
	switch models.ArtifactType(raw) {
	case models.ArtifactTopicAffinity, models.ArtifactInteractionStyle,
		models.ArtifactTaskPattern, models.ArtifactConstraint:
		return models.ArtifactType(raw)
	}
	return models.ArtifactTaskPattern
}

// signalLabels derives bias-matching labels from the signal's namespace:
// intent signals label the speech act, tool signals label the tool ID.
func signalLabels(signalID string) models.Labels {
	kind, value, found := strings.Cut(signalID, ":")
	if !found {
		return models.Labels{Task: []string{signalID}}
	}
	switch kind {
	case "intent":
		return models.Labels{Task: []string{value}}
	case "tool":
		return models.Labels{Task: []string{value}}
	default:
		return models.Labels{Domain: []string{value}}
	}
}
