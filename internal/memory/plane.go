// Package memory implements the signal memory plane: an append-only
// record of interaction signals, a bistable consolidation gate over their
// accumulated state, and the overlay lifecycle for consolidated biases.
// Every time-dependent read takes an as-of timestamp so replays are
// deterministic.
package memory

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Config holds the memory plane's tunables.
type Config struct {
	Enabled              bool
	GateCountThreshold   int
	GateSessionThreshold int
	GateWindowHours      float64
	DecayHalfLifeHours   float64
	SalienceThreshold    float64
}

// DefaultConfig returns the standing defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		GateCountThreshold:   3,
		GateSessionThreshold: 2,
		GateWindowHours:      72,
		DecayHalfLifeHours:   168,
		SalienceThreshold:    0.05,
	}
}

// Plane is the memory plane over two ledger streams.
type Plane struct {
	cfg      Config
	signals  *ledger.Stream
	overlays *ledger.Stream
	logger   *slog.Logger
}

// New creates a memory plane.
func New(cfg Config, signals, overlays *ledger.Stream, logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DecayHalfLifeHours <= 0 {
		cfg.DecayHalfLifeHours = DefaultConfig().DecayHalfLifeHours
	}
	return &Plane{cfg: cfg, signals: signals, overlays: overlays, logger: logger}
}

// Enabled reports whether the plane is switched on.
func (p *Plane) Enabled() bool { return p.cfg.Enabled }

// Config returns the plane's configuration.
func (p *Plane) Config() Config { return p.cfg }

// LogSignal appends one signal observation. sourceEntryID names the
// ledger entry that triggered the signal; the returned event ID is the
// signal event's own ULID.
func (p *Plane) LogSignal(signalID, sessionID, sourceEntryID string, meta map[string]any) (string, error) {
	ev := models.SignalEvent{
		EventID:   ulid.Make().String(),
		SignalID:  signalID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}
	_, err := p.signals.Write(&ledger.Entry{
		EventType:    ledger.EventSignal,
		SubmissionID: sessionID,
		Decision:     "observed",
		Reason:       signalID,
		Metadata: map[string]any{
			"event_id":        ev.EventID,
			"signal_id":       ev.SignalID,
			"session_id":      ev.SessionID,
			"signal_ts":       ev.Timestamp.Format(time.RFC3339Nano),
			"source_entry_id": sourceEntryID,
			"signal_meta":     meta,
		},
	})
	if err != nil {
		return "", fmt.Errorf("memory: log signal %s: %w", signalID, err)
	}
	return ev.EventID, nil
}

// ReadSignals scans the signals stream and returns one accumulator per
// signal with count ≥ minCount. signalID filters to one signal when
// non-empty. A nil asOf means wall-clock now.
func (p *Plane) ReadSignals(signalID string, minCount int, asOf *time.Time) ([]*models.Accumulator, error) {
	events, err := p.readSignalEvents()
	if err != nil {
		return nil, err
	}
	at := time.Now().UTC()
	if asOf != nil {
		at = asOf.UTC()
	}

	byID := make(map[string]*models.Accumulator)
	sessions := make(map[string]map[string]bool)
	for _, ev := range events {
		if signalID != "" && ev.SignalID != signalID {
			continue
		}
		acc, ok := byID[ev.SignalID]
		if !ok {
			acc = &models.Accumulator{SignalID: ev.SignalID}
			byID[ev.SignalID] = acc
			sessions[ev.SignalID] = make(map[string]bool)
		}
		acc.Count++
		acc.EventIDs = append(acc.EventIDs, ev.EventID)
		if ev.Timestamp.After(acc.LastSeen) {
			acc.LastSeen = ev.Timestamp
		}
		if !sessions[ev.SignalID][ev.SessionID] {
			sessions[ev.SignalID][ev.SessionID] = true
			acc.SessionIDs = append(acc.SessionIDs, ev.SessionID)
		}
	}

	var out []*models.Accumulator
	for _, acc := range byID {
		if acc.Count < minCount {
			continue
		}
		acc.Decay = DecayFactor(acc.LastSeen, at, p.cfg.DecayHalfLifeHours)
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out, nil
}

// CheckGate evaluates the bistable gate for one signal: crossed iff the
// count and distinct-session thresholds are both met and no overlay for
// the signal was consolidated within the gate window. Pure over the
// streams' state at asOf.
func (p *Plane) CheckGate(signalID string, asOf time.Time) (models.GateResult, error) {
	accs, err := p.ReadSignals(signalID, 0, &asOf)
	if err != nil {
		return models.GateResult{}, err
	}
	if len(accs) == 0 {
		return models.GateResult{Reason: "no observations"}, nil
	}
	acc := accs[0]

	if acc.Count < p.cfg.GateCountThreshold {
		return models.GateResult{
			Reason: fmt.Sprintf("count %d below threshold %d", acc.Count, p.cfg.GateCountThreshold),
		}, nil
	}
	if len(acc.SessionIDs) < p.cfg.GateSessionThreshold {
		return models.GateResult{
			Reason: fmt.Sprintf("%d distinct sessions below threshold %d", len(acc.SessionIDs), p.cfg.GateSessionThreshold),
		}, nil
	}

	consolidated, err := p.alreadyConsolidated(signalID, asOf)
	if err != nil {
		return models.GateResult{}, err
	}
	if consolidated {
		return models.GateResult{
			Reason:              "already consolidated within gate window",
			AlreadyConsolidated: true,
		}, nil
	}
	return models.GateResult{Crossed: true, Reason: "thresholds met"}, nil
}

// alreadyConsolidated reports whether an overlay for the signal has a
// window end within the last GateWindowHours before asOf.
func (p *Plane) alreadyConsolidated(signalID string, asOf time.Time) (bool, error) {
	overlays, err := p.readOverlayEvents()
	if err != nil {
		return false, err
	}
	cutoff := asOf.Add(-time.Duration(p.cfg.GateWindowHours * float64(time.Hour)))
	for _, o := range overlays {
		if o.SignalID == signalID && o.WindowEnd.After(cutoff) && !o.WindowEnd.After(asOf) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Plane) readSignalEvents() ([]models.SignalEvent, error) {
	entries, err := p.signals.ReadByEventType(ledger.EventSignal)
	if err != nil {
		return nil, fmt.Errorf("memory: read signals stream: %w", err)
	}
	var out []models.SignalEvent
	for _, e := range entries {
		ev := models.SignalEvent{
			EventID:   metaString(e.Metadata, "event_id"),
			SignalID:  metaString(e.Metadata, "signal_id"),
			SessionID: metaString(e.Metadata, "session_id"),
			Timestamp: e.Timestamp,
		}
		if ts := metaString(e.Metadata, "signal_ts"); ts != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				ev.Timestamp = parsed
			}
		}
		if ev.SignalID == "" {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// DecayFactor computes exp(-ln2 / halfLifeHours * ageHours). A last-seen
// in the future relative to asOf clamps to age zero, so replays never
// produce factors above 1.
func DecayFactor(lastSeen, asOf time.Time, halfLifeHours float64) float64 {
	if halfLifeHours <= 0 {
		return 1
	}
	ageHours := asOf.Sub(lastSeen).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return math.Exp(-math.Ln2 / halfLifeHours * ageHours)
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

func metaFloat(meta map[string]any, key string) float64 {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
