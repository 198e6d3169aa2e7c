package runtime

import (
	"fmt"

	"github.com/haasonsaas/cortex/internal/contract"
)

// defaultContracts are the built-in prompt contracts registered at
// startup. They take precedence over same-named files in the contracts
// directory; additional contracts load lazily from disk by ID.
var defaultContracts = map[string]string{
	"PRC-CLS-001": `{
		"contract_id": "PRC-CLS-001",
		"version": "1.0.0",
		"prompt_pack_id": "classify-turn",
		"boundary": {"max_tokens": 300, "temperature": 0, "timeout_ms": 30000},
		"input_schema": {
			"type": "object",
			"required": ["user_input"],
			"properties": {"user_input": {"type": "string", "minLength": 1}}
		},
		"output_schema": {
			"type": "object",
			"required": ["speech_act"],
			"properties": {
				"speech_act": {"type": "string", "enum": ["question", "command", "statement", "social"]},
				"domain": {"type": "string"},
				"needs_tools": {"type": "boolean"}
			}
		},
		"structured_output": {
			"name": "classification",
			"schema": {
				"type": "object",
				"required": ["speech_act"],
				"properties": {
					"speech_act": {"type": "string"},
					"domain": {"type": "string"},
					"needs_tools": {"type": "boolean"}
				}
			}
		},
		"tier": "ho1"
	}`,
	"PRC-SYN-001": `{
		"contract_id": "PRC-SYN-001",
		"version": "1.0.0",
		"prompt_pack_id": "synthesize-response",
		"boundary": {"max_tokens": 2000, "temperature": 0.7, "timeout_ms": 60000},
		"input_schema": {
			"type": "object",
			"required": ["user_input"],
			"properties": {
				"user_input": {"type": "string", "minLength": 1},
				"bias_context": {"type": "string"},
				"context": {"type": "string"}
			}
		},
		"output_schema": {
			"type": "object",
			"required": ["response_text"],
			"properties": {"response_text": {"type": "string", "minLength": 1}}
		},
		"tier": "ho1"
	}`,
	"PRC-CON-001": `{
		"contract_id": "PRC-CON-001",
		"version": "1.0.0",
		"prompt_pack_id": "consolidate-signals",
		"boundary": {"max_tokens": 500, "temperature": 0.2, "timeout_ms": 30000},
		"input_schema": {
			"type": "object",
			"required": ["signal_summary"],
			"properties": {"signal_summary": {"type": "string", "minLength": 1}}
		},
		"output_schema": {
			"type": "object",
			"required": ["context_line"],
			"properties": {
				"context_line": {"type": "string", "minLength": 1},
				"artifact_type": {"type": "string"},
				"weight": {"type": "number", "minimum": 0, "maximum": 1}
			}
		},
		"structured_output": {
			"name": "consolidation_artifact",
			"schema": {
				"type": "object",
				"required": ["context_line"],
				"properties": {
					"context_line": {"type": "string"},
					"artifact_type": {"type": "string"},
					"weight": {"type": "number"}
				}
			}
		},
		"domain_tags": ["consolidation"],
		"tier": "ho1"
	}`,
}

func registerDefaultContracts(loader *contract.Loader) error {
	for id, raw := range defaultContracts {
		if _, err := loader.Register(id, []byte(raw)); err != nil {
			return fmt.Errorf("register default contract %s: %w", id, err)
		}
	}
	return nil
}
