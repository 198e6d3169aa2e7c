// Package tooling holds the tool dispatcher: a registry of named tools
// the executor can invoke on behalf of an LLM turn. Tool failures are
// data, not errors; they come back to the model as a result payload.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/cortex/pkg/models"
)

// Result is the outcome of one tool dispatch.
type Result struct {
	Status string `json:"status"` // "ok" or "error"
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Tool is one dispatchable capability.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema of the tool's arguments.
	Schema() json.RawMessage
	// Execute runs the tool. Implementations return (result, nil) for
	// tool-level failures; a non-nil error means the dispatcher itself
	// misbehaved.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Registry is the tool dispatcher.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the prior tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// IDs returns all registered tool IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Execute dispatches one tool call. Unknown tools and panicking tools
// produce an error-status result rather than a Go error, so the executor
// can hand the failure back to the model.
func (r *Registry) Execute(ctx context.Context, id string, args json.RawMessage) *Result {
	tool, ok := r.Get(id)
	if !ok {
		return &Result{Status: "error", Error: fmt.Sprintf("unknown tool %q", id)}
	}

	var res *Result
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("tool %s panicked: %v", id, rec)
			}
		}()
		res, err = tool.Execute(ctx, args)
	}()
	if err != nil {
		return &Result{Status: "error", Error: err.Error()}
	}
	if res == nil {
		return &Result{Status: "error", Error: fmt.Sprintf("tool %s returned no result", id)}
	}
	return res
}

// APITools returns provider-facing schemas for the allowed tool IDs.
// Unknown IDs are skipped.
func (r *Registry) APITools(allowed []string) []models.ToolSchema {
	var out []models.ToolSchema
	for _, id := range allowed {
		tool, ok := r.Get(id)
		if !ok {
			continue
		}
		out = append(out, models.ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return out
}
