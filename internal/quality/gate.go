// Package quality implements the post-synthesis gate: a cheap binary
// check on a work order's output, with no LLM in the loop.
package quality

import (
	"fmt"
	"strings"
)

// Criteria configures one verification.
type Criteria struct {
	// RequiredKey must be present and non-empty in the output. Synthesize
	// orders use "response_text".
	RequiredKey string

	// MinLength is the minimum length of the required key's text value.
	MinLength int
}

// Decision is the gate's verdict.
type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

// Verdict is the result of one Verify call.
type Verdict struct {
	Decision Decision
	Reason   string
}

var errorMarkers = []string{"[Error", "[Degradation"}

// Verify checks an output result against the criteria. The check is
// binary and deterministic: non-null output, required key present, no
// error marker, minimum length met.
func Verify(output map[string]any, criteria Criteria, woID string) Verdict {
	if len(output) == 0 {
		return Verdict{Decision: Reject, Reason: fmt.Sprintf("%s produced no output", woID)}
	}

	key := criteria.RequiredKey
	if key == "" {
		key = "response_text"
	}
	raw, ok := output[key]
	if !ok {
		return Verdict{Decision: Reject, Reason: fmt.Sprintf("output missing required key %q", key)}
	}
	text, _ := raw.(string)
	if strings.TrimSpace(text) == "" {
		return Verdict{Decision: Reject, Reason: fmt.Sprintf("required key %q is empty", key)}
	}
	for _, marker := range errorMarkers {
		if strings.Contains(text, marker) {
			return Verdict{Decision: Reject, Reason: "output contains error marker " + marker}
		}
	}
	if criteria.MinLength > 0 && len(text) < criteria.MinLength {
		return Verdict{Decision: Reject, Reason: fmt.Sprintf("output length %d below minimum %d", len(text), criteria.MinLength)}
	}
	return Verdict{Decision: Accept}
}
