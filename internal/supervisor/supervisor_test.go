package supervisor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/cortex/internal/budget"
	"github.com/haasonsaas/cortex/internal/contract"
	"github.com/haasonsaas/cortex/internal/executor"
	"github.com/haasonsaas/cortex/internal/gateway"
	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/internal/memory"
	"github.com/haasonsaas/cortex/internal/provider"
	"github.com/haasonsaas/cortex/internal/session"
	"github.com/haasonsaas/cortex/internal/tooling"
	"github.com/haasonsaas/cortex/pkg/models"
)

var testContracts = map[string]string{
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
				"speech_act": {"type": "string"},
				"domain": {"type": "string"},
				"needs_tools": {"type": "boolean"}
			}
		}
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
		}
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
				"weight": {"type": "number"}
			}
		},
		"domain_tags": ["consolidation"]
	}`,
}

type stubListTool struct{ calls int }

func (t *stubListTool) Name() string        { return "list_packages" }
func (t *stubListTool) Description() string { return "list packages" }
func (t *stubListTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t *stubListTool) Execute(ctx context.Context, args json.RawMessage) (*tooling.Result, error) {
	t.calls++
	return &tooling.Result{Status: "ok", Output: []string{"ledger", "budget", "memory"}}, nil
}

type fixture struct {
	sup      *Supervisor
	scripted *provider.Scripted
	tool     *stubListTool
	plane    *memory.Plane
	hot      *ledger.Stream
	ho1      *ledger.Stream
	ho2      *ledger.Stream
}

func newFixture(t *testing.T, mode budget.Mode) *fixture {
	t.Helper()
	dir := t.TempDir()
	open := func(name string) *ledger.Stream {
		s, err := ledger.Open(filepath.Join(dir, name), nil)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		return s
	}
	hot := open("exchange.jsonl")
	ho1 := open("ho1m.jsonl")
	ho2 := open("ho2m.jsonl")
	signals := open("signals.jsonl")
	overlays := open("overlays.jsonl")

	budgeter := budget.New(mode, hot, nil)
	contracts, err := contract.NewLoader(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for id, raw := range testContracts {
		if _, err := contracts.Register(id, []byte(raw)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	packs := gateway.NewPackRegistry()
	for _, p := range gateway.DefaultPacks() {
		packs.Register(p)
	}
	scripted := provider.NewScripted("scripted")
	gw := gateway.New(gateway.Config{
		DefaultProvider: "scripted",
		DomainTagRoutes: map[string]gateway.DomainRoute{
			"consolidation": {ProviderID: "scripted", ModelID: "scripted-cheap"},
		},
	}, map[string]provider.Provider{"scripted": scripted},
		packs, contracts, budgeter, hot, gateway.NewMetrics(nil), nil)

	tool := &stubListTool{}
	tools := tooling.NewRegistry()
	tools.Register(tool)

	exec := executor.New(gw, contracts, tools, budgeter, ho1, nil)
	sessions := session.NewManager(ho2, nil)
	plane := memory.New(memory.Config{
		Enabled:              true,
		GateCountThreshold:   3,
		GateSessionThreshold: 2,
		GateWindowHours:      72,
		DecayHalfLifeHours:   168,
		SalienceThreshold:    0.05,
	}, signals, overlays, nil)

	cfg := DefaultConfig()
	cfg.ToolsAllowed = []string{"list_packages"}
	sup := New(cfg, exec, sessions, budgeter, plane, ho1, ho2, nil)
	return &fixture{sup: sup, scripted: scripted, tool: tool, plane: plane, hot: hot, ho1: ho1, ho2: ho2}
}

func classifyResponse(speechAct string, needsTools bool) *provider.Response {
	raw, _ := json.Marshal(map[string]any{
		"speech_act": speechAct, "domain": "dev", "needs_tools": needsTools,
	})
	return &provider.Response{
		Content:      string(raw),
		FinishReason: models.FinishStop,
		InputTokens:  30,
		OutputTokens: 15,
	}
}

func textResponse(text string) *provider.Response {
	return &provider.Response{
		Content:      text,
		FinishReason: models.FinishStop,
		InputTokens:  100,
		OutputTokens: 25,
	}
}

func eventTypes(t *testing.T, stream *ledger.Stream) []string {
	t.Helper()
	entries, err := stream.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

func countEvents(t *testing.T, stream *ledger.Stream, eventType string) int {
	t.Helper()
	entries, err := stream.ReadByEventType(eventType)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestHandleTurnGreeting(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(
		classifyResponse("social", false),
		textResponse("Hello! How can I help?"),
	)

	sid := f.sup.StartSession(20000)
	res := f.sup.HandleTurn(context.Background(), sid, "hi there")

	if res.Response != "Hello! How can I help?" {
		t.Errorf("response = %q", res.Response)
	}
	if res.Degraded {
		t.Error("greeting turn must not degrade")
	}
	if len(res.WOChainSummary) != 2 {
		t.Fatalf("chain length = %d, want 2 (classify + synthesize)", len(res.WOChainSummary))
	}
	if res.WOChainSummary[0].Type != models.WOClassify || res.WOChainSummary[1].Type != models.WOSynthesize {
		t.Errorf("chain order wrong: %+v", res.WOChainSummary)
	}
	if res.CostSummary.LLMCalls != 2 {
		t.Errorf("llm calls = %d, want 2", res.CostSummary.LLMCalls)
	}
	if res.TraceHash == "" {
		t.Error("trace hash missing")
	}
	if len(res.ConsolidationCandidates) != 0 {
		t.Errorf("first observation must not cross the gate: %v", res.ConsolidationCandidates)
	}

	wantHO1 := []string{
		ledger.EventWOExecuting, ledger.EventLLMCall, ledger.EventWOCompleted,
		ledger.EventWOExecuting, ledger.EventLLMCall, ledger.EventWOCompleted,
	}
	gotHO1 := eventTypes(t, f.ho1)
	if strings.Join(gotHO1, ",") != strings.Join(wantHO1, ",") {
		t.Errorf("ho1 events = %v, want %v", gotHO1, wantHO1)
	}
	wantHO2 := []string{
		ledger.EventSessionStart, ledger.EventWOQualityGate,
		ledger.EventWOChainComplete, ledger.EventTurnRecorded,
	}
	gotHO2 := eventTypes(t, f.ho2)
	if strings.Join(gotHO2, ",") != strings.Join(wantHO2, ",") {
		t.Errorf("ho2 events = %v, want %v", gotHO2, wantHO2)
	}
}

func TestQualityGateEventCarriesTraceHash(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(
		classifyResponse("social", false),
		textResponse("Hello!"),
	)

	sid := f.sup.StartSession(20000)
	res := f.sup.HandleTurn(context.Background(), sid, "hi")

	gates, err := f.ho2.ReadByEventType(ledger.EventWOQualityGate)
	if err != nil || len(gates) != 1 {
		t.Fatalf("expected 1 quality gate event, got %d (err %v)", len(gates), err)
	}
	hash, _ := gates[0].Metadata["trace_hash"].(string)
	if hash == "" {
		t.Fatal("quality gate event missing trace_hash")
	}
	if hash != res.TraceHash {
		t.Errorf("gate trace_hash = %s, want %s", hash, res.TraceHash)
	}
}

func TestHandleTurnWithToolUse(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(
		classifyResponse("question", true),
		&provider.Response{
			Content:      `{"tool": "list_packages", "arguments": {}}`,
			FinishReason: models.FinishToolUse,
			InputTokens:  120,
			OutputTokens: 30,
		},
		textResponse("There are 3 packages: ledger, budget, memory."),
	)

	sid := f.sup.StartSession(20000)
	res := f.sup.HandleTurn(context.Background(), sid, "how many packages are there?")

	if !strings.Contains(res.Response, "3 packages") {
		t.Errorf("response = %q", res.Response)
	}
	if f.tool.calls != 1 {
		t.Errorf("tool calls = %d, want 1", f.tool.calls)
	}
	if len(res.CostSummary.ToolIDsUsed) != 1 || res.CostSummary.ToolIDsUsed[0] != "list_packages" {
		t.Errorf("tool_ids_used = %v", res.CostSummary.ToolIDsUsed)
	}
	if countEvents(t, f.ho1, ledger.EventToolCall) != 1 {
		t.Error("expected one TOOL_CALL event")
	}

	// The follow-up prompt must carry the tool result back to the model.
	sent := f.scripted.Requests()
	if len(sent) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(sent))
	}
	if !strings.Contains(sent[2].Prompt, "Tool list_packages returned") {
		t.Errorf("follow-up prompt missing tool result: %q", sent[2].Prompt)
	}
}

func TestHandleTurnBudgetExhausted(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	sid := f.sup.StartSession(500)
	res := f.sup.HandleTurn(context.Background(), sid, "hello")

	if res.Response != "[Error: budget_exhausted]" {
		t.Errorf("response = %q", res.Response)
	}
	if !res.Degraded {
		t.Error("budget exhaustion must mark the turn degraded")
	}
	if len(f.scripted.Requests()) != 0 {
		t.Error("no provider calls should happen without a reservation")
	}
	if countEvents(t, f.ho2, ledger.EventDegradation) != 1 {
		t.Error("expected a DEGRADATION event")
	}
	if countEvents(t, f.ho2, ledger.EventTurnRecorded) != 1 {
		t.Error("the turn must still be recorded exactly once")
	}
}

func TestHandleTurnProviderFailureDegrades(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.FailWith(&provider.TransportError{
		Provider: "scripted",
		Kind:     provider.KindServerError,
		Status:   500,
	})

	sid := f.sup.StartSession(20000)
	res := f.sup.HandleTurn(context.Background(), sid, "hello")

	if res.Response != "[Degradation: server_error]" {
		t.Errorf("response = %q", res.Response)
	}
	if !res.Degraded {
		t.Error("provider failure must mark the turn degraded")
	}
	if countEvents(t, f.ho2, ledger.EventEscalation) != 1 {
		t.Error("expected an ESCALATION event after the failed retry")
	}
	if countEvents(t, f.ho2, ledger.EventTurnRecorded) != 1 {
		t.Error("the turn must still be recorded exactly once")
	}
}

func TestHandleTurnQualityRetrySucceeds(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(
		classifyResponse("question", false),
		textResponse("[Error: upstream hiccup]"),
		textResponse("All good now."),
	)

	sid := f.sup.StartSession(20000)
	res := f.sup.HandleTurn(context.Background(), sid, "status?")

	if res.Response != "All good now." {
		t.Errorf("response = %q", res.Response)
	}
	if res.Degraded {
		t.Error("successful retry must not degrade")
	}
	if len(res.WOChainSummary) != 3 {
		t.Errorf("chain length = %d, want 3 (classify + synth + retry)", len(res.WOChainSummary))
	}
	if countEvents(t, f.ho2, ledger.EventWOQualityGate) != 2 {
		t.Error("expected two quality gate events")
	}
	if countEvents(t, f.ho2, ledger.EventEscalation) != 0 {
		t.Error("no escalation when the retry passes")
	}
}

func TestHandleTurnQualityRetryAlsoRejected(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(
		classifyResponse("question", false),
		textResponse("[Error: upstream hiccup]"),
		textResponse("[Error: still broken]"),
	)

	sid := f.sup.StartSession(20000)
	res := f.sup.HandleTurn(context.Background(), sid, "status?")

	if !strings.HasPrefix(res.Response, "[Error: unable to produce a verified response") {
		t.Errorf("response = %q", res.Response)
	}
	if !res.Degraded {
		t.Error("double rejection must mark the turn degraded")
	}
	if countEvents(t, f.ho2, ledger.EventEscalation) != 1 {
		t.Error("expected an ESCALATION event")
	}
}

func TestConsolidationAcrossSessions(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	ctx := context.Background()

	var lastSession string
	var candidates []string
	for i := 0; i < 3; i++ {
		f.scripted.Enqueue(
			classifyResponse("question", false),
			textResponse("An answer."),
		)
		lastSession = f.sup.StartSession(20000)
		res := f.sup.HandleTurn(ctx, lastSession, "why does this happen?")
		candidates = res.ConsolidationCandidates
	}

	if len(candidates) != 1 || candidates[0] != "intent:question" {
		t.Fatalf("third question across three sessions should cross the gate: %v", candidates)
	}

	f.scripted.Enqueue(&provider.Response{
		Content:      `{"context_line": "The user prefers direct technical explanations.", "artifact_type": "interaction_style", "weight": 0.8}`,
		FinishReason: models.FinishStop,
		InputTokens:  50,
		OutputTokens: 20,
	})
	f.sup.RunConsolidation(ctx, lastSession, candidates)

	now := time.Now().UTC()
	biases, err := f.plane.ReadActiveBiases(now)
	if err != nil || len(biases) != 1 {
		t.Fatalf("expected 1 overlay after consolidation, got %d (err %v)", len(biases), err)
	}
	if biases[0].SignalID != "intent:question" || biases[0].Weight != 0.8 {
		t.Errorf("overlay wrong: %+v", biases[0])
	}

	// Re-running is a no-op: the gate sees the fresh overlay.
	before := len(f.scripted.Requests())
	f.sup.RunConsolidation(ctx, lastSession, candidates)
	if len(f.scripted.Requests()) != before {
		t.Error("second consolidation must not call the provider")
	}
	biases, _ = f.plane.ReadActiveBiases(now)
	if len(biases) != 1 {
		t.Errorf("second consolidation must not add overlays: %d", len(biases))
	}
}

func TestDegradedResponseForms(t *testing.T) {
	budgetWO := (&models.WorkOrder{}).Fail(executor.FailBudgetExhausted, "no tokens")
	if got := degradedResponse(budgetWO, "x"); got != "[Error: budget_exhausted]" {
		t.Errorf("budget form = %q", got)
	}
	failedWO := (&models.WorkOrder{}).Fail("server_error", "upstream 500")
	if got := degradedResponse(failedWO, "x"); got != "[Degradation: server_error]" {
		t.Errorf("failure form = %q", got)
	}
	okWO := (&models.WorkOrder{}).Complete(map[string]any{"response_text": "[Error: marker]"})
	if got := degradedResponse(okWO, "output contains error marker"); !strings.HasPrefix(got, "[Error: unable") {
		t.Errorf("rejected form = %q", got)
	}
}
