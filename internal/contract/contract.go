// Package contract loads and validates prompt contracts: the versioned
// schema objects that pin down the I/O shape and boundary of one LLM call.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/cortex/pkg/models"
)

// ErrNotFound is returned when no contract file exists for an ID.
var ErrNotFound = fmt.Errorf("contract not found")

var contractIDPattern = regexp.MustCompile(`^PRC-[A-Z0-9]+-\d{3}$`)

// Boundary holds the hard limits of one call.
type Boundary struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TimeoutMS   int     `json:"timeout_ms,omitempty"`
}

// Contract is a loaded, compiled prompt contract. Contracts are read-only
// after load and safe to share.
type Contract struct {
	ContractID       string                   `json:"contract_id"`
	Version          string                   `json:"version"`
	PromptPackID     string                   `json:"prompt_pack_id"`
	Boundary         Boundary                 `json:"boundary"`
	InputSchema      json.RawMessage          `json:"input_schema,omitempty"`
	OutputSchema     json.RawMessage          `json:"output_schema,omitempty"`
	DomainTags       []string                 `json:"domain_tags,omitempty"`
	StructuredOutput *models.StructuredOutput `json:"structured_output,omitempty"`
	Tier             string                   `json:"tier,omitempty"`

	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// ValidateInput checks a call's input context against the contract's
// input schema. Contracts without an input schema accept anything.
func (c *Contract) ValidateInput(v any) error {
	if c.inputSchema == nil {
		return nil
	}
	if err := c.inputSchema.Validate(normalize(v)); err != nil {
		return fmt.Errorf("input does not satisfy %s: %w", c.ContractID, err)
	}
	return nil
}

// ValidateOutput checks a parsed LLM output against the contract's output
// schema.
func (c *Contract) ValidateOutput(v any) error {
	if c.outputSchema == nil {
		return nil
	}
	if err := c.outputSchema.Validate(normalize(v)); err != nil {
		return fmt.Errorf("output does not satisfy %s: %w", c.ContractID, err)
	}
	return nil
}

// normalize round-trips v through JSON so the validator sees plain
// map/slice/float shapes regardless of the caller's concrete types.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// metaSchema validates the contract file itself before compilation.
const metaSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["contract_id", "version", "prompt_pack_id", "boundary"],
	"properties": {
		"contract_id": {"type": "string", "pattern": "^PRC-[A-Z0-9]+-[0-9]{3}$"},
		"version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
		"prompt_pack_id": {"type": "string", "minLength": 1},
		"boundary": {
			"type": "object",
			"required": ["max_tokens", "temperature"],
			"properties": {
				"max_tokens": {"type": "integer", "minimum": 1},
				"temperature": {"type": "number", "minimum": 0},
				"timeout_ms": {"type": "integer", "minimum": 1}
			}
		},
		"input_schema": {"type": "object"},
		"output_schema": {"type": "object"},
		"domain_tags": {"type": "array", "items": {"type": "string"}},
		"structured_output": {
			"type": "object",
			"required": ["name", "schema"],
			"properties": {
				"name": {"type": "string"},
				"schema": {"type": "object"}
			}
		},
		"tier": {"type": "string", "enum": ["hot", "ho1", "ho2"]}
	}
}`

// Loader resolves contract IDs to compiled contracts, caching by ID for
// the life of the process.
type Loader struct {
	dir  string
	meta *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*Contract
}

// NewLoader creates a loader reading contract files from dir. Contract
// <id> lives at <dir>/<id>.json.
func NewLoader(dir string) (*Loader, error) {
	meta, err := jsonschema.CompileString("contract-meta.json", metaSchema)
	if err != nil {
		return nil, fmt.Errorf("contract: compile meta-schema: %w", err)
	}
	return &Loader{dir: dir, meta: meta, cache: make(map[string]*Contract)}, nil
}

// Load resolves a contract by ID, reading and compiling it on first use.
func (l *Loader) Load(id string) (*Contract, error) {
	l.mu.RLock()
	if c, ok := l.cache[id]; ok {
		l.mu.RUnlock()
		return c, nil
	}
	l.mu.RUnlock()

	if !contractIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: malformed contract ID %q", ErrNotFound, id)
	}
	path := filepath.Join(l.dir, id+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("contract: read %s: %w", path, err)
	}

	c, err := l.compile(id, raw)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[id] = c
	l.mu.Unlock()
	return c, nil
}

// Register compiles and caches a contract from raw JSON without touching
// disk. Used by tests and embedded defaults.
func (l *Loader) Register(id string, raw []byte) (*Contract, error) {
	c, err := l.compile(id, raw)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache[id] = c
	l.mu.Unlock()
	return c, nil
}

func (l *Loader) compile(id string, raw []byte) (*Contract, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("contract %s: invalid JSON: %w", id, err)
	}
	if err := l.meta.Validate(decoded); err != nil {
		return nil, fmt.Errorf("contract %s: schema violation: %w", id, err)
	}

	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("contract %s: decode: %w", id, err)
	}
	if c.ContractID != id {
		return nil, fmt.Errorf("contract %s: file declares ID %s", id, c.ContractID)
	}

	if len(c.InputSchema) > 0 {
		sch, err := jsonschema.CompileString(id+"/input.json", string(c.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("contract %s: compile input schema: %w", id, err)
		}
		c.inputSchema = sch
	}
	if len(c.OutputSchema) > 0 {
		sch, err := jsonschema.CompileString(id+"/output.json", string(c.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("contract %s: compile output schema: %w", id, err)
		}
		c.outputSchema = sch
	}
	return &c, nil
}
