package supervisor

import (
	"strings"
	"testing"

	"github.com/haasonsaas/cortex/pkg/models"
)

func TestAssembleContextKeepsPriorityWhole(t *testing.T) {
	prio, horiz := assembleContext(
		[]string{"- bias one", "- bias two"},
		[]string{"line a", "line b"},
		100)
	if prio != "- bias one\n- bias two" {
		t.Errorf("priority block = %q", prio)
	}
	if horiz != "line a\nline b" {
		t.Errorf("horizontal block = %q", horiz)
	}
}

func TestAssembleContextTruncatesOldestFirst(t *testing.T) {
	horizontal := []string{"oldest entry", "middle entry", "newest entry"}
	// Budget fits two horizontal lines; the oldest must be the one dropped.
	_, horiz := assembleContext(nil, horizontal, 27)
	if strings.Contains(horiz, "oldest entry") {
		t.Errorf("oldest line should be truncated first: %q", horiz)
	}
	lines := strings.Split(horiz, "\n")
	if len(lines) != 2 || lines[0] != "middle entry" || lines[1] != "newest entry" {
		t.Errorf("kept lines wrong: %v", lines)
	}
}

func TestAssembleContextPriorityConsumesBudget(t *testing.T) {
	horizontal := []string{"oldest entry", "middle entry", "newest entry"}
	// All three horizontal lines fit an empty-priority budget of 40.
	_, horiz := assembleContext(nil, horizontal, 40)
	if horiz != strings.Join(horizontal, "\n") {
		t.Fatalf("unexpected truncation without priority: %q", horiz)
	}
	// A priority line spends part of the same budget, so the horizontal
	// segment loses its oldest line.
	prio, horiz := assembleContext([]string{"- bias"}, horizontal, 40)
	if prio != "- bias" {
		t.Errorf("priority block = %q", prio)
	}
	if strings.Contains(horiz, "oldest entry") {
		t.Errorf("priority must consume the shared budget: %q", horiz)
	}
	if !strings.Contains(horiz, "middle entry") || !strings.Contains(horiz, "newest entry") {
		t.Errorf("recent lines should survive: %q", horiz)
	}
}

func TestAssembleContextZeroBudgetUsesDefault(t *testing.T) {
	prio, _ := assembleContext([]string{"- bias"}, nil, 0)
	if prio != "- bias" {
		t.Errorf("priority block = %q", prio)
	}
}

func TestBiasLinesMatching(t *testing.T) {
	biases := []*models.Overlay{
		{ContextLine: "always on", Scope: models.ScopeGlobal},
		{ContextLine: "task match", Scope: models.ScopeAgent, Labels: models.Labels{Task: []string{"question"}}},
		{ContextLine: "domain match", Scope: models.ScopeAgent, Labels: models.Labels{Domain: []string{"infra"}}},
		{ContextLine: "tool match", Scope: models.ScopeAgent, Labels: models.Labels{Task: []string{"grep"}}},
		{ContextLine: "no match", Scope: models.ScopeAgent, Labels: models.Labels{Domain: []string{"billing"}}},
		{Scope: models.ScopeGlobal}, // empty context line dropped
	}
	c := Classification{SpeechAct: "question", Domain: "infra"}

	got := biasLines(biases, c, []string{"grep"})
	want := []string{"- always on", "- task match", "- domain match", "- tool match"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("bias lines = %v, want %v", got, want)
	}
}
