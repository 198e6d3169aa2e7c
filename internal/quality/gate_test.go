package quality

import "testing"

func TestVerify(t *testing.T) {
	criteria := Criteria{RequiredKey: "response_text", MinLength: 3}

	cases := []struct {
		name   string
		output map[string]any
		want   Decision
	}{
		{"accepts valid output", map[string]any{"response_text": "hello there"}, Accept},
		{"rejects nil output", nil, Reject},
		{"rejects empty output", map[string]any{}, Reject},
		{"rejects missing key", map[string]any{"other": "x"}, Reject},
		{"rejects empty value", map[string]any{"response_text": "   "}, Reject},
		{"rejects non-string value", map[string]any{"response_text": 42}, Reject},
		{"rejects error marker", map[string]any{"response_text": "[Error: budget_exhausted]"}, Reject},
		{"rejects degradation marker", map[string]any{"response_text": "[Degradation: tool_error]"}, Reject},
		{"rejects below min length", map[string]any{"response_text": "ok"}, Reject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Verify(tc.output, criteria, "WO-1")
			if v.Decision != tc.want {
				t.Errorf("decision = %s (%s), want %s", v.Decision, v.Reason, tc.want)
			}
			if v.Decision == Reject && v.Reason == "" {
				t.Error("rejections must carry a reason")
			}
		})
	}
}

func TestVerifyDefaultsRequiredKey(t *testing.T) {
	v := Verify(map[string]any{"response_text": "fine"}, Criteria{}, "WO-1")
	if v.Decision != Accept {
		t.Errorf("default criteria should accept response_text output: %s", v.Reason)
	}
}
