package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/pkg/models"
)

// ErrEmptySourceIDs refuses overlays without provenance.
var ErrEmptySourceIDs = errors.New("memory: overlay has no source event IDs")

// ArtifactID derives the deterministic identity of a consolidation:
// sha256("ART:" || sorted source IDs joined by "|" || window key || model
// || pack version), truncated to 12 hex characters.
func ArtifactID(sourceIDs []string, gateWindowKey, model, packVersion string) string {
	sorted := make([]string, len(sourceIDs))
	copy(sorted, sourceIDs)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte("ART:"))
	h.Write([]byte(strings.Join(sorted, "|")))
	h.Write([]byte(gateWindowKey))
	h.Write([]byte(model))
	h.Write([]byte(packVersion))
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// overlayState is the resolved lifecycle state of one artifact.
type overlayState struct {
	overlay *models.Overlay
	enabled bool
}

// LogOverlay writes a consolidated overlay. Writing an artifact that is
// already active is a no-op returning the existing overlay ID; writing
// one that was deactivated reactivates it through a weight-update event.
func (p *Plane) LogOverlay(o *models.Overlay) (string, error) {
	if len(o.SourceEventIDs) == 0 {
		return "", ErrEmptySourceIDs
	}
	if o.ArtifactID == "" {
		return "", errors.New("memory: overlay has no artifact ID")
	}

	states, err := p.resolveStates()
	if err != nil {
		return "", err
	}
	if st, ok := states[o.ArtifactID]; ok {
		if st.enabled {
			p.logger.Debug("memory: overlay already active",
				"artifact_id", o.ArtifactID, "overlay_id", st.overlay.OverlayID)
			return st.overlay.OverlayID, nil
		}
		if _, err := p.UpdateOverlayWeight(o.ArtifactID, o.Weight, "reconsolidated", time.Now().UTC()); err != nil {
			return "", err
		}
		return st.overlay.OverlayID, nil
	}

	if o.OverlayID == "" {
		o.OverlayID = newOverlayID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.DecayModifier == 0 {
		o.DecayModifier = 1
	}
	o.Enabled = true

	fields, err := overlayFields(o)
	if err != nil {
		return "", err
	}
	if _, err := p.overlays.Write(&ledger.Entry{
		EventType:    ledger.EventOverlay,
		SubmissionID: o.ArtifactID,
		Decision:     "consolidated",
		Reason:       o.SignalID,
		Metadata:     map[string]any{"overlay": fields},
	}); err != nil {
		return "", fmt.Errorf("memory: write overlay: %w", err)
	}
	return o.OverlayID, nil
}

// DeactivateOverlay appends an OVERLAY_DEACTIVATED lifecycle event and
// returns its ledger entry ID.
func (p *Plane) DeactivateOverlay(artifactID, reason string, eventTS time.Time) (string, error) {
	id, err := p.overlays.Write(&ledger.Entry{
		EventType:    ledger.EventOverlayDeactivated,
		SubmissionID: artifactID,
		Decision:     "deactivated",
		Reason:       reason,
		Timestamp:    eventTS,
	})
	if err != nil {
		return "", fmt.Errorf("memory: deactivate overlay %s: %w", artifactID, err)
	}
	return id, nil
}

// UpdateOverlayWeight appends an OVERLAY_WEIGHT_UPDATED lifecycle event.
// An update also re-enables a deactivated artifact.
func (p *Plane) UpdateOverlayWeight(artifactID string, newWeight float64, reason string, eventTS time.Time) (string, error) {
	id, err := p.overlays.Write(&ledger.Entry{
		EventType:    ledger.EventOverlayWeightUpdated,
		SubmissionID: artifactID,
		Decision:     "weight_updated",
		Reason:       reason,
		Timestamp:    eventTS,
		Metadata:     map[string]any{"new_weight": newWeight},
	})
	if err != nil {
		return "", fmt.Errorf("memory: update overlay weight %s: %w", artifactID, err)
	}
	return id, nil
}

// ReadActiveBiases returns the overlays that are live at asOf: latest
// lifecycle state enabled, not expired, and decayed salience at or above
// the threshold.
func (p *Plane) ReadActiveBiases(asOf time.Time) ([]*models.Overlay, error) {
	states, err := p.resolveStates()
	if err != nil {
		return nil, err
	}
	var out []*models.Overlay
	for _, st := range states {
		if !st.enabled {
			continue
		}
		o := st.overlay
		if o.ExpiresAtEventTS != nil && o.ExpiresAtEventTS.Before(asOf) {
			continue
		}
		halfLife := p.cfg.DecayHalfLifeHours
		if o.DecayModifier > 0 {
			halfLife *= o.DecayModifier
		}
		if o.SalienceWeight*DecayFactor(o.CreatedAt, asOf, halfLife) < p.cfg.SalienceThreshold {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out, nil
}

// resolveStates folds the overlays stream into the latest state per
// artifact ID, in append order.
func (p *Plane) resolveStates() (map[string]*overlayState, error) {
	entries, err := p.overlays.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("memory: read overlays stream: %w", err)
	}
	states := make(map[string]*overlayState)
	for _, e := range entries {
		switch e.EventType {
		case ledger.EventOverlay:
			o, err := decodeOverlay(e.Metadata)
			if err != nil {
				p.logger.Warn("memory: skipping undecodable overlay entry", "entry", e.ID, "error", err)
				continue
			}
			states[o.ArtifactID] = &overlayState{overlay: o, enabled: o.Enabled}
		case ledger.EventOverlayDeactivated:
			if st, ok := states[e.SubmissionID]; ok {
				st.enabled = false
				st.overlay.Enabled = false
			}
		case ledger.EventOverlayWeightUpdated:
			if st, ok := states[e.SubmissionID]; ok {
				st.enabled = true
				st.overlay.Enabled = true
				st.overlay.Weight = metaFloat(e.Metadata, "new_weight")
			}
		}
	}
	return states, nil
}

// readOverlayEvents returns the base OVERLAY records in append order,
// ignoring lifecycle updates. The gate uses it for window checks.
func (p *Plane) readOverlayEvents() ([]*models.Overlay, error) {
	entries, err := p.overlays.ReadByEventType(ledger.EventOverlay)
	if err != nil {
		return nil, fmt.Errorf("memory: read overlays stream: %w", err)
	}
	var out []*models.Overlay
	for _, e := range entries {
		o, err := decodeOverlay(e.Metadata)
		if err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func overlayFields(o *models.Overlay) (map[string]any, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("memory: encode overlay: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("memory: encode overlay: %w", err)
	}
	return fields, nil
}

func decodeOverlay(meta map[string]any) (*models.Overlay, error) {
	raw, err := json.Marshal(meta["overlay"])
	if err != nil {
		return nil, err
	}
	var o models.Overlay
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	if o.ArtifactID == "" {
		return nil, errors.New("overlay entry has no artifact_id")
	}
	return &o, nil
}

// newOverlayID returns an ID of the form OVL-<8 hex>.
func newOverlayID() string {
	return "OVL-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
