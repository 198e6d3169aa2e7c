package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/cortex/internal/budget"
	"github.com/haasonsaas/cortex/internal/contract"
	"github.com/haasonsaas/cortex/internal/gateway"
	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/internal/provider"
	"github.com/haasonsaas/cortex/internal/tooling"
	"github.com/haasonsaas/cortex/pkg/models"
)

const synthContract = `{
	"contract_id": "PRC-SYN-001",
	"version": "1.0.0",
	"prompt_pack_id": "test-pack",
	"boundary": {"max_tokens": 500, "temperature": 0.5},
	"input_schema": {
		"type": "object",
		"required": ["user_input"],
		"properties": {"user_input": {"type": "string"}}
	},
	"output_schema": {
		"type": "object",
		"required": ["response_text"],
		"properties": {"response_text": {"type": "string"}}
	}
}`

type stubTool struct {
	calls int
}

func (s *stubTool) Name() string            { return "list_packages" }
func (s *stubTool) Description() string     { return "lists packages" }
func (s *stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (*tooling.Result, error) {
	s.calls++
	return &tooling.Result{Status: "ok", Output: []string{"cortex", "ledgerd"}}, nil
}

type fixture struct {
	exec     *Executor
	scripted *provider.Scripted
	budgeter *budget.Budgeter
	ho1      *ledger.Stream
	tool     *stubTool
}

func newFixture(t *testing.T, mode budget.Mode) *fixture {
	t.Helper()
	dir := t.TempDir()
	hot, err := ledger.Open(filepath.Join(dir, "hot.jsonl"), nil)
	if err != nil {
		t.Fatal(err)
	}
	ho1, err := ledger.Open(filepath.Join(dir, "ho1.jsonl"), nil)
	if err != nil {
		t.Fatal(err)
	}
	budgeter := budget.New(mode, hot, nil)
	budgeter.AllocateSession("SES-1", 100000)

	contracts, err := contract.NewLoader(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := contracts.Register("PRC-SYN-001", []byte(synthContract)); err != nil {
		t.Fatal(err)
	}

	packs := gateway.NewPackRegistry()
	packs.Register(&gateway.PromptPack{ID: "test-pack", Template: "{{user_input}}"})

	scripted := provider.NewScripted("scripted")
	gw := gateway.New(gateway.Config{DefaultProvider: "scripted"},
		map[string]provider.Provider{"scripted": scripted},
		packs, contracts, budgeter, hot, gateway.NewMetrics(nil), nil)

	tool := &stubTool{}
	tools := tooling.NewRegistry()
	tools.Register(tool)

	return &fixture{
		exec:     New(gw, contracts, tools, budgeter, ho1, nil),
		scripted: scripted,
		budgeter: budgeter,
		ho1:      ho1,
		tool:     tool,
	}
}

func newOrder(t *testing.T, f *fixture, constraints models.Constraints, input map[string]any) *models.WorkOrder {
	t.Helper()
	wo := &models.WorkOrder{
		ID:          "WO-1",
		Type:        models.WOSynthesize,
		SessionID:   "SES-1",
		State:       models.StateDispatched,
		Constraints: constraints,
		Input:       input,
	}
	if err := f.budgeter.AllocateWorkOrder("SES-1", wo.ID, constraints.TokenBudget); err != nil {
		t.Fatal(err)
	}
	return wo
}

func toolUseResponse() *provider.Response {
	return &provider.Response{
		FinishReason: models.FinishToolUse,
		ContentBlocks: []models.ContentBlock{{
			Type:     "tool_use",
			ToolID:   "toolu_1",
			ToolName: "list_packages",
			Input:    json.RawMessage(`{}`),
		}},
		InputTokens:  30,
		OutputTokens: 10,
	}
}

func textResponse(text string) *provider.Response {
	return &provider.Response{
		Content:      text,
		FinishReason: models.FinishStop,
		InputTokens:  30,
		OutputTokens: 20,
	}
}

func TestExecutePlainTextCompletes(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(textResponse("plain answer"))

	wo := newOrder(t, f, models.Constraints{
		TokenBudget: 2000, TurnLimit: 1, ContractID: "PRC-SYN-001",
	}, map[string]any{"user_input": "hi"})

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateCompleted {
		t.Fatalf("state = %s, err = %+v", done.State, done.Err)
	}
	if done.Output["response_text"] != "plain answer" {
		t.Errorf("non-JSON content should be wrapped: %+v", done.Output)
	}
	if done.Cost.LLMCalls != 1 || done.Cost.InputTokens != 30 || done.Cost.OutputTokens != 20 {
		t.Errorf("cost wrong: %+v", done.Cost)
	}

	completed, _ := f.ho1.ReadByEventType(ledger.EventWOCompleted)
	failed, _ := f.ho1.ReadByEventType(ledger.EventWOFailed)
	if len(completed) != 1 || len(failed) != 0 {
		t.Errorf("expected exactly one terminal event, got %d completed / %d failed", len(completed), len(failed))
	}

	llmCalls, _ := f.ho1.ReadBySubmission("WO-1")
	count := 0
	for _, e := range llmCalls {
		if e.EventType == ledger.EventLLMCall {
			count++
		}
	}
	if count != done.Cost.LLMCalls {
		t.Errorf("LLM_CALL events %d != cost.llm_calls %d", count, done.Cost.LLMCalls)
	}
}

func TestExecuteFencedJSONValidates(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(textResponse("```json\n{\"response_text\": \"fenced\"}\n```"))

	wo := newOrder(t, f, models.Constraints{
		TokenBudget: 2000, TurnLimit: 1, ContractID: "PRC-SYN-001",
	}, map[string]any{"user_input": "hi"})

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateCompleted || done.Output["response_text"] != "fenced" {
		t.Errorf("fenced JSON should parse and validate: %+v", done.Output)
	}
}

func TestExecuteToolLoop(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(toolUseResponse(), textResponse("packages: cortex, ledgerd"))

	wo := newOrder(t, f, models.Constraints{
		TokenBudget:  5000,
		TurnLimit:    3,
		ContractID:   "PRC-SYN-001",
		ToolsAllowed: []string{"list_packages"},
	}, map[string]any{"user_input": "list installed packages"})

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateCompleted {
		t.Fatalf("state = %s, err = %+v", done.State, done.Err)
	}
	if f.tool.calls != 1 {
		t.Errorf("tool calls = %d, want 1", f.tool.calls)
	}
	if len(done.Cost.ToolIDsUsed) != 1 || done.Cost.ToolIDsUsed[0] != "list_packages" {
		t.Errorf("tool_ids_used = %v", done.Cost.ToolIDsUsed)
	}
	if done.Cost.LLMCalls != 2 {
		t.Errorf("llm_calls = %d, want 2", done.Cost.LLMCalls)
	}
	if !strings.Contains(done.Output["response_text"].(string), "cortex") {
		t.Errorf("final response missing tool data: %+v", done.Output)
	}

	// The follow-up prompt must carry the tool result back to the model.
	reqs := f.scripted.Requests()
	if len(reqs) != 2 || !strings.Contains(reqs[1].Prompt, "list_packages") {
		t.Errorf("tool result not fed into follow-up prompt")
	}

	toolEvents, _ := f.ho1.ReadByEventType(ledger.EventToolCall)
	if len(toolEvents) != 1 || toolEvents[0].Metadata["tool_id"] != "list_packages" {
		t.Errorf("expected 1 TOOL_CALL event with tool_id, got %+v", toolEvents)
	}
}

func TestExecuteTurnLimitExceeded(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(toolUseResponse())
	f.scripted.SetFallback(toolUseResponse())

	wo := newOrder(t, f, models.Constraints{
		TokenBudget:  5000,
		TurnLimit:    1,
		ContractID:   "PRC-SYN-001",
		ToolsAllowed: []string{"list_packages"},
	}, map[string]any{"user_input": "loop forever"})

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateFailed || done.Err == nil || done.Err.Kind != FailTurnLimit {
		t.Errorf("expected turn_limit_exceeded failure, got %s / %+v", done.State, done.Err)
	}
	if f.tool.calls != 1 {
		t.Errorf("turn_limit=1 should allow exactly one tool round, got %d", f.tool.calls)
	}
}

func TestExecuteEmptyToolsAllowedIgnoresToolUse(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	resp := toolUseResponse()
	resp.Content = "structured pseudo-tool"
	f.scripted.Enqueue(resp)

	wo := newOrder(t, f, models.Constraints{
		TokenBudget: 2000, TurnLimit: 3, ContractID: "PRC-SYN-001",
	}, map[string]any{"user_input": "no tools"})

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateCompleted {
		t.Fatalf("state = %s, err = %+v", done.State, done.Err)
	}
	if f.tool.calls != 0 {
		t.Error("tool must not run when tools_allowed is empty")
	}
	if done.Cost.LLMCalls != 1 {
		t.Errorf("pseudo-tool block should end the loop, llm_calls = %d", done.Cost.LLMCalls)
	}
}

func TestExecuteTextFallbackToolExtraction(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(&provider.Response{
		Content:      "```json\n{\"tool\": \"list_packages\", \"arguments\": {}}\n```",
		FinishReason: models.FinishToolUse,
		InputTokens:  30,
		OutputTokens: 10,
	}, textResponse("done"))

	wo := newOrder(t, f, models.Constraints{
		TokenBudget:  5000,
		TurnLimit:    3,
		ContractID:   "PRC-SYN-001",
		ToolsAllowed: []string{"list_packages"},
	}, map[string]any{"user_input": "plain-text backend"})

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateCompleted {
		t.Fatalf("state = %s, err = %+v", done.State, done.Err)
	}
	if f.tool.calls != 1 {
		t.Errorf("lenient extraction should dispatch the tool, calls = %d", f.tool.calls)
	}
}

func TestExecuteContractNotFound(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	wo := newOrder(t, f, models.Constraints{
		TokenBudget: 1000, TurnLimit: 1, ContractID: "PRC-MISSING-001",
	}, map[string]any{"user_input": "hi"})

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateFailed || done.Err.Kind != FailContractNotFound {
		t.Errorf("expected contract_not_found, got %+v", done.Err)
	}
}

func TestExecuteInputSchemaInvalid(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	wo := newOrder(t, f, models.Constraints{
		TokenBudget: 1000, TurnLimit: 1, ContractID: "PRC-SYN-001",
	}, map[string]any{"wrong_key": true})

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateFailed || done.Err.Kind != FailInputSchemaInvalid {
		t.Errorf("expected input_schema_invalid, got %+v", done.Err)
	}
	if len(f.scripted.Requests()) != 0 {
		t.Error("no LLM call should happen on invalid input")
	}
}

func TestExecuteFollowupBudgetFloorEnforce(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(&provider.Response{
		FinishReason: models.FinishToolUse,
		ContentBlocks: []models.ContentBlock{{
			Type: "tool_use", ToolName: "list_packages", Input: json.RawMessage(`{}`),
		}},
		InputTokens:  700,
		OutputTokens: 200,
	})

	wo := newOrder(t, f, models.Constraints{
		TokenBudget:          1000,
		TurnLimit:            3,
		ContractID:           "PRC-SYN-001",
		ToolsAllowed:         []string{"list_packages"},
		FollowupMinRemaining: 500,
	}, map[string]any{"user_input": "hi"})

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateFailed || done.Err.Kind != FailBudgetExhausted {
		t.Errorf("expected budget_exhausted, got %s / %+v", done.State, done.Err)
	}
}

func TestExecuteGatewayRejectionFailsOrder(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	wo := newOrder(t, f, models.Constraints{
		TokenBudget: 100, TurnLimit: 1, ContractID: "PRC-SYN-001",
	}, map[string]any{"user_input": "hi"})
	// Request max_tokens (500 from the contract) exceeds the 100-token scope.

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateFailed || done.Err.Kind != FailBudgetExhausted {
		t.Errorf("expected budget_exhausted from gateway rejection, got %+v", done.Err)
	}
}

func TestExecuteDirectToolCall(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	wo := &models.WorkOrder{
		ID:        "WO-2",
		Type:      models.WOToolCall,
		SessionID: "SES-1",
		State:     models.StateDispatched,
		Input: map[string]any{
			"tool_id":   "list_packages",
			"arguments": map[string]any{},
		},
	}

	done := f.exec.Execute(context.Background(), wo)
	if done.State != models.StateCompleted {
		t.Fatalf("state = %s, err = %+v", done.State, done.Err)
	}
	if done.Output["tool_id"] != "list_packages" {
		t.Errorf("output missing tool result: %+v", done.Output)
	}
	if len(f.scripted.Requests()) != 0 {
		t.Error("tool_call orders must not touch the LLM")
	}
	if done.Cost.LLMCalls != 0 {
		t.Errorf("llm_calls = %d, want 0", done.Cost.LLMCalls)
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := map[string]string{
		"no fence":                     "no fence",
		"```\nplain\n```":              "plain",
		"```json\n{\"a\": 1}\n```":     `{"a": 1}`,
		"  ```json\n{\"a\": 1}\n``` ":  `{"a": 1}`,
	}
	for in, want := range cases {
		if got := StripCodeFences(in); got != want {
			t.Errorf("StripCodeFences(%q) = %q, want %q", in, got, want)
		}
	}
}
