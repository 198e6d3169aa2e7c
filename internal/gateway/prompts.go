package gateway

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// PromptPack is a named, versioned prompt template. Templates use
// {{variable}} placeholders filled from the request's template variables.
type PromptPack struct {
	ID       string
	Version  string
	Template string
}

// Render substitutes template variables into the pack. Placeholders
// without a matching variable are left intact so the miss is visible in
// the EXCHANGE record.
func (p *PromptPack) Render(vars map[string]any) string {
	return templateVarPattern.ReplaceAllStringFunc(p.Template, func(m string) string {
		name := templateVarPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return fmt.Sprint(v)
		}
		return m
	})
}

// PackRegistry holds the prompt packs known to the gateway.
type PackRegistry struct {
	mu    sync.RWMutex
	packs map[string]*PromptPack
}

// NewPackRegistry creates an empty registry.
func NewPackRegistry() *PackRegistry {
	return &PackRegistry{packs: make(map[string]*PromptPack)}
}

// Register adds or replaces a pack.
func (r *PackRegistry) Register(p *PromptPack) {
	if p.Version == "" {
		p.Version = "1.0.0"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs[p.ID] = p
}

// Get returns the pack for id.
func (r *PackRegistry) Get(id string) (*PromptPack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packs[id]
	return p, ok
}

// IDs returns the registered pack IDs, sorted.
func (r *PackRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.packs))
	for id := range r.packs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultPacks returns the built-in packs used by the standard contracts.
func DefaultPacks() []*PromptPack {
	return []*PromptPack{
		{
			ID:      "classify-turn",
			Version: "1.0.0",
			Template: strings.TrimSpace(`
You are a dispatch classifier. Read the user's message and reply with a
single JSON object, no prose:
{"speech_act": one of ["question", "command", "statement", "social"],
 "domain": a short lowercase topic tag,
 "needs_tools": true or false}

User message:
{{user_input}}
`),
		},
		{
			ID:      "synthesize-response",
			Version: "1.0.0",
			Template: strings.TrimSpace(`
You are a helpful assistant inside a developer runtime. Use the
conversation context and any active guidance below, and answer the user
directly. If a tool would answer better, call it.

Active guidance:
{{bias_context}}

Recent context:
{{context}}

User message:
{{user_input}}
`),
		},
		{
			ID:      "consolidate-signals",
			Version: "1.0.0",
			Template: strings.TrimSpace(`
You summarize recurring interaction signals into one short behavioral
guidance line. Signals observed:
{{signal_summary}}

Reply with a single JSON object:
{"context_line": one sentence of guidance,
 "artifact_type": one of ["topic_affinity", "interaction_style", "task_pattern", "constraint"],
 "weight": number between 0 and 1}
`),
		},
	}
}
