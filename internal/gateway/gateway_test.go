package gateway

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/cortex/internal/budget"
	"github.com/haasonsaas/cortex/internal/contract"
	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/internal/provider"
	"github.com/haasonsaas/cortex/pkg/models"
)

const testContract = `{
	"contract_id": "PRC-SYN-001",
	"version": "1.0.0",
	"prompt_pack_id": "test-pack",
	"boundary": {"max_tokens": 500, "temperature": 0.5, "timeout_ms": 5000}
}`

type fixture struct {
	gw       *Gateway
	scripted *provider.Scripted
	budgeter *budget.Budgeter
	hot      *ledger.Stream
}

func newFixture(t *testing.T, mode budget.Mode) *fixture {
	t.Helper()
	hot, err := ledger.Open(filepath.Join(t.TempDir(), "hot.jsonl"), nil)
	if err != nil {
		t.Fatal(err)
	}
	budgeter := budget.New(mode, hot, nil)
	budgeter.AllocateSession("SES-1", 10000)
	if err := budgeter.AllocateWorkOrder("SES-1", "WO-1", 2000); err != nil {
		t.Fatal(err)
	}

	contracts, err := contract.NewLoader(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := contracts.Register("PRC-SYN-001", []byte(testContract)); err != nil {
		t.Fatal(err)
	}

	packs := NewPackRegistry()
	packs.Register(&PromptPack{
		ID:       "test-pack",
		Template: "Answer the user:\n{{user_input}}",
	})

	scripted := provider.NewScripted("scripted")
	second := provider.NewScripted("secondary")
	gw := New(Config{
		DefaultProvider: "scripted",
		DomainTagRoutes: map[string]DomainRoute{
			"consolidation": {ProviderID: "secondary", ModelID: "cheap-model"},
		},
	}, map[string]provider.Provider{
		"scripted":  scripted,
		"secondary": second,
	}, packs, contracts, budgeter, hot, NewMetrics(nil), nil)

	return &fixture{gw: gw, scripted: scripted, budgeter: budgeter, hot: hot}
}

func baseRequest() *models.PromptRequest {
	return &models.PromptRequest{
		ContractID:   "PRC-SYN-001",
		MaxTokens:    500,
		Temperature:  0.5,
		TemplateVars: map[string]any{"user_input": "hello"},
		SessionID:    "SES-1",
		WorkOrderID:  "WO-1",
	}
}

func TestRouteSuccessRendersDebitsAndLogs(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.Enqueue(&provider.Response{
		Content:      "hi there",
		FinishReason: models.FinishStop,
		InputTokens:  40,
		OutputTokens: 10,
	})

	resp := f.gw.Route(context.Background(), baseRequest())
	if resp.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", resp.Outcome, resp.ErrorCode)
	}
	if resp.Content != "hi there" || resp.ProviderID != "scripted" {
		t.Errorf("response fields wrong: %+v", resp)
	}
	if resp.CostIncurred != 50 || resp.BudgetRemaining != 1950 {
		t.Errorf("debit wrong: cost=%d remaining=%d", resp.CostIncurred, resp.BudgetRemaining)
	}
	if resp.ExchangeEntryID == "" {
		t.Error("EXCHANGE entry ID missing from response")
	}

	sent := f.scripted.Requests()
	if len(sent) != 1 {
		t.Fatalf("expected 1 provider call, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Prompt, "hello") {
		t.Errorf("template variable not rendered into prompt: %q", sent[0].Prompt)
	}

	exchanges, err := f.hot.ReadByEventType(ledger.EventExchange)
	if err != nil || len(exchanges) != 1 {
		t.Fatalf("expected 1 EXCHANGE event, got %d (err %v)", len(exchanges), err)
	}
	if exchanges[0].Metadata["response"] != "hi there" {
		t.Error("EXCHANGE event should carry the full response")
	}
	if got := exchanges[0].PromptsUsed; len(got) != 1 || got[0] != "test-pack" {
		t.Errorf("prompts_used = %v, want [test-pack]", got)
	}

	debits, err := f.hot.ReadByEventType(ledger.EventBudgetDebit)
	if err != nil || len(debits) != 1 {
		t.Fatalf("expected exactly 1 BUDGET_DEBIT, got %d (err %v)", len(debits), err)
	}
}

func TestRouteContinuationAppended(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	req := baseRequest()
	req.Continuation = "Tool grep returned: {...}"

	f.gw.Route(context.Background(), req)
	sent := f.scripted.Requests()
	if len(sent) != 1 || !strings.HasSuffix(sent[0].Prompt, "Tool grep returned: {...}") {
		t.Errorf("continuation not appended to rendered prompt: %q", sent[0].Prompt)
	}
}

func TestRouteDomainTagAndExplicitProvider(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)

	req := baseRequest()
	req.DomainTags = []string{"consolidation"}
	resp := f.gw.Route(context.Background(), req)
	if resp.ProviderID != "secondary" {
		t.Errorf("domain tag should route to secondary, got %s", resp.ProviderID)
	}

	req = baseRequest()
	req.ProviderID = "scripted"
	req.DomainTags = []string{"consolidation"}
	resp = f.gw.Route(context.Background(), req)
	if resp.ProviderID != "scripted" {
		t.Errorf("explicit provider should win over domain tag, got %s", resp.ProviderID)
	}
}

func TestRouteUnknownProvider(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	req := baseRequest()
	req.ProviderID = "nope"

	resp := f.gw.Route(context.Background(), req)
	if resp.Outcome != models.OutcomeRejected || resp.ErrorCode != ErrCodeUnknownProvider {
		t.Errorf("expected unknown_provider rejection, got %+v", resp)
	}
}

func TestRouteBudgetRejectionEnforce(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	req := baseRequest()
	req.MaxTokens = 5000

	resp := f.gw.Route(context.Background(), req)
	if resp.Outcome != models.OutcomeRejected || resp.ErrorCode != ErrCodeBudgetExceeded {
		t.Errorf("expected budget_exceeded rejection, got %+v", resp)
	}
	if len(f.scripted.Requests()) != 0 {
		t.Error("provider must not be called on budget rejection")
	}
}

func TestRouteBudgetWarnContinues(t *testing.T) {
	f := newFixture(t, budget.ModeWarn)
	req := baseRequest()
	req.MaxTokens = 5000

	resp := f.gw.Route(context.Background(), req)
	if resp.Outcome != models.OutcomeSuccess {
		t.Fatalf("warn mode should continue past the pre-check, got %+v", resp)
	}
	warnings, err := f.hot.ReadByEventType(ledger.EventBudgetWarning)
	if err != nil || len(warnings) == 0 {
		t.Errorf("expected a BUDGET_WARNING event, got %d (err %v)", len(warnings), err)
	}
}

func TestRouteProviderErrorClassified(t *testing.T) {
	f := newFixture(t, budget.ModeEnforce)
	f.scripted.FailWith(&provider.TransportError{
		Provider: "scripted",
		Kind:     provider.KindRateLimited,
		Status:   429,
	})

	resp := f.gw.Route(context.Background(), baseRequest())
	if resp.Outcome != models.OutcomeError || resp.ErrorCode != string(provider.KindRateLimited) {
		t.Errorf("expected rate_limited error outcome, got %+v", resp)
	}
}

func TestPromptPackRenderLeavesUnknownVars(t *testing.T) {
	p := &PromptPack{Template: "Hello {{name}}, {{missing}} stays."}
	got := p.Render(map[string]any{"name": "dev"})
	if got != "Hello dev, {{missing}} stays." {
		t.Errorf("render = %q", got)
	}
}
