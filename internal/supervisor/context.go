package supervisor

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/cortex/internal/ledger"
	"github.com/haasonsaas/cortex/pkg/models"
)

// defaultAttentionBudget caps assembled context, in characters.
const defaultAttentionBudget = 6000

// assembleContext fits the synthesize prompt context into one attention
// budget shared by both segments. Priority lines (memory biases) are
// admitted first; horizontal lines (recent ledger activity) fill the
// remainder, truncated oldest-first. The segments are returned
// separately so the prompt template can place them.
func assembleContext(priority, horizontal []string, budgetChars int) (string, string) {
	if budgetChars <= 0 {
		budgetChars = defaultAttentionBudget
	}

	used := 0
	var prio []string
	for _, line := range priority {
		if used+len(line)+1 > budgetChars {
			break
		}
		prio = append(prio, line)
		used += len(line) + 1
	}

	// Horizontal lines are newest-last; walk backwards and keep as many
	// recent lines as fit, then restore order.
	remaining := budgetChars - used
	var kept []string
	for i := len(horizontal) - 1; i >= 0; i-- {
		line := horizontal[i]
		if len(line)+1 > remaining {
			break
		}
		kept = append(kept, line)
		remaining -= len(line) + 1
	}
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return strings.Join(prio, "\n"), strings.Join(kept, "\n")
}

// horizontalLines renders recent ledger entries for the session into
// one-line context strings, oldest first.
func horizontalLines(streams []*ledger.Stream, sessionID string, perStream int) []string {
	var lines []string
	for _, s := range streams {
		entries, err := s.ReadAll()
		if err != nil {
			continue
		}
		var own []*ledger.Entry
		for _, e := range entries {
			if entrySessionID(e) == sessionID || e.SubmissionID == sessionID {
				own = append(own, e)
			}
		}
		if len(own) > perStream {
			own = own[len(own)-perStream:]
		}
		for _, e := range own {
			lines = append(lines, fmt.Sprintf("[%s] %s %s: %s",
				e.Timestamp.Format("15:04:05"), e.EventType, e.Decision, e.Reason))
		}
	}
	return lines
}

func entrySessionID(e *ledger.Entry) string {
	prov, ok := e.Metadata["provenance"].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := prov["session_id"].(string)
	return s
}

// biasLines selects the overlays relevant to a classification and renders
// their context lines. Global-scope overlays always apply; others need a
// label intersection with the classification's domain or speech act, or
// with a tool the agent may use.
func biasLines(biases []*models.Overlay, classification Classification, toolsAllowed []string) []string {
	match := make(map[string]bool)
	if classification.Domain != "" {
		match[classification.Domain] = true
	}
	if classification.SpeechAct != "" {
		match[classification.SpeechAct] = true
	}
	for _, t := range toolsAllowed {
		match[t] = true
	}

	var lines []string
	for _, o := range biases {
		if o.ContextLine == "" {
			continue
		}
		if o.Scope == models.ScopeGlobal || labelsIntersect(o.Labels, match) {
			lines = append(lines, "- "+o.ContextLine)
		}
	}
	return lines
}

func labelsIntersect(labels models.Labels, match map[string]bool) bool {
	for _, d := range labels.Domain {
		if match[d] {
			return true
		}
	}
	for _, t := range labels.Task {
		if match[t] {
			return true
		}
	}
	return false
}
