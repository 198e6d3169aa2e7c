package session

import (
	"path/filepath"
	"regexp"
	"testing"

	"github.com/haasonsaas/cortex/internal/ledger"
)

func testManager(t *testing.T) (*Manager, *ledger.Stream) {
	t.Helper()
	stream, err := ledger.Open(filepath.Join(t.TempDir(), "ho2.jsonl"), nil)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return NewManager(stream, nil), stream
}

func TestStartSessionIDAndEvent(t *testing.T) {
	m, stream := testManager(t)
	id := m.Start("dispatch")

	if !regexp.MustCompile(`^SES-[0-9a-f]{8}$`).MatchString(id) {
		t.Errorf("session ID %q does not match SES-<8 hex>", id)
	}
	starts, err := stream.ReadByEventType(ledger.EventSessionStart)
	if err != nil || len(starts) != 1 {
		t.Fatalf("expected 1 SESSION_START, got %d (err %v)", len(starts), err)
	}
	if starts[0].SubmissionID != id {
		t.Errorf("SESSION_START submission = %q, want %q", starts[0].SubmissionID, id)
	}
}

func TestAddTurnRecordsExactlyOneEvent(t *testing.T) {
	m, stream := testManager(t)
	id := m.Start("dispatch")

	if n := m.AddTurn(id, "hello", "hi there"); n != 1 {
		t.Errorf("first turn number = %d, want 1", n)
	}
	if n := m.AddTurn(id, "again", "sure"); n != 2 {
		t.Errorf("second turn number = %d, want 2", n)
	}

	recorded, err := stream.ReadByEventType(ledger.EventTurnRecorded)
	if err != nil {
		t.Fatal(err)
	}
	if len(recorded) != m.TurnCount(id) {
		t.Errorf("TURN_RECORDED count %d != turn count %d", len(recorded), m.TurnCount(id))
	}
	if recorded[0].Metadata["user_input"] != "hello" {
		t.Errorf("turn metadata missing user input: %+v", recorded[0].Metadata)
	}
}

func TestNextWOIDMonotonic(t *testing.T) {
	m, _ := testManager(t)
	id := m.Start("dispatch")

	first := m.NextWOID(id)
	second := m.NextWOID(id)
	want := regexp.MustCompile(`^WO-[0-9a-f]{8}-\d{3}$`)
	if !want.MatchString(first) || !want.MatchString(second) {
		t.Errorf("WO IDs %q, %q do not match WO-<session>-<NNN>", first, second)
	}
	if first == second {
		t.Error("WO IDs must be unique within a session")
	}
}

func TestEndSessionSummary(t *testing.T) {
	m, stream := testManager(t)
	id := m.Start("dispatch")
	m.AddTurn(id, "hello", "hi")
	m.NextWOID(id)
	m.End(id, Summary{TokensConsumed: 123})

	ends, err := stream.ReadByEventType(ledger.EventSessionEnd)
	if err != nil || len(ends) != 1 {
		t.Fatalf("expected 1 SESSION_END, got %d (err %v)", len(ends), err)
	}
	meta := ends[0].Metadata
	if meta["turns"] != float64(1) || meta["work_orders"] != float64(1) || meta["tokens_consumed"] != float64(123) {
		t.Errorf("summary metadata wrong: %+v", meta)
	}
	if m.TurnCount(id) != 0 {
		t.Error("ended session should drop its state")
	}
}
