package models

import "time"

// ArtifactType classifies a consolidated learning artifact.
type ArtifactType string

const (
	ArtifactTopicAffinity    ArtifactType = "topic_affinity"
	ArtifactInteractionStyle ArtifactType = "interaction_style"
	ArtifactTaskPattern      ArtifactType = "task_pattern"
	ArtifactConstraint       ArtifactType = "constraint"
)

// OverlayScope bounds where an overlay applies.
type OverlayScope string

const (
	ScopeAgent   OverlayScope = "agent"
	ScopeSession OverlayScope = "session"
	ScopeGlobal  OverlayScope = "global"
)

// Labels tag an overlay for bias matching against classification output.
type Labels struct {
	Domain []string `json:"domain,omitempty"`
	Task   []string `json:"task,omitempty"`
}

// Overlay is a consolidated bias written into the memory plane's overlays
// stream. The ArtifactID is a deterministic hash of the consolidation
// inputs; writing the same artifact twice within its window is a no-op.
type Overlay struct {
	OverlayID    string       `json:"overlay_id"`
	ArtifactID   string       `json:"artifact_id"`
	SignalID     string       `json:"signal_id"`
	ArtifactType ArtifactType `json:"artifact_type"`
	Labels       Labels       `json:"labels"`

	// Weight is the bias strength in [0,1].
	Weight float64      `json:"weight"`
	Scope  OverlayScope `json:"scope"`

	// ContextLine is injected verbatim into assembled supervisor context.
	ContextLine string `json:"context_line"`

	Enabled          bool       `json:"enabled"`
	ExpiresAtEventTS *time.Time `json:"expires_at_event_ts,omitempty"`

	// SourceEventIDs must be non-empty; overlays without provenance are
	// refused at write time.
	SourceEventIDs []string `json:"source_event_ids"`

	SalienceWeight float64   `json:"salience_weight"`
	DecayModifier  float64   `json:"decay_modifier"`
	CreatedAt      time.Time `json:"created_at"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
}
