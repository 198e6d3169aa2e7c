package models

import "time"

// SignalEvent is one immutable row in the memory plane's signals stream.
// Signal IDs are string keys like "intent:tool_query" or "tool:grep".
type SignalEvent struct {
	EventID   string         `json:"event_id"`
	SignalID  string         `json:"signal_id"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Accumulator is the derived, never-stored aggregate over all events for
// one signal. Decay is a function of LastSeen and the as-of timestamp the
// read was computed at.
type Accumulator struct {
	SignalID   string    `json:"signal_id"`
	Count      int       `json:"count"`
	LastSeen   time.Time `json:"last_seen"`
	SessionIDs []string  `json:"session_ids"`
	EventIDs   []string  `json:"event_ids"`
	Decay      float64   `json:"decay"`
}

// GateResult is the outcome of a bistable-gate check for one signal.
type GateResult struct {
	Crossed             bool   `json:"crossed"`
	Reason              string `json:"reason"`
	AlreadyConsolidated bool   `json:"already_consolidated"`
}
