// Package budget enforces hierarchical token budgets. Sessions hold the
// ceiling; work orders reserve from their session; LLM calls debit the
// work-order scope. The process-wide mode decides whether violations
// reject, warn, or pass through.
package budget

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/cortex/internal/ledger"
)

// Mode selects how budget violations are treated.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeWarn    Mode = "warn"
	ModeOff     Mode = "off"
)

// Policy is the outcome of applying the mode to a violation.
type Policy int

const (
	PolicyContinue Policy = iota
	PolicyWarn
	PolicyFail
)

// ApplyPolicy centralizes the three-mode branch: a violation fails in
// enforce mode, warns in warn mode, and is ignored in off mode.
func ApplyPolicy(violated bool, mode Mode) Policy {
	if !violated {
		return PolicyContinue
	}
	switch mode {
	case ModeEnforce:
		return PolicyFail
	case ModeWarn:
		return PolicyWarn
	default:
		return PolicyContinue
	}
}

// Usage is the token consumption of one LLM call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// CheckResult is the answer to a pre-call budget check. Check never
// mutates any scope.
type CheckResult struct {
	Allowed   bool
	Remaining int
	Reason    string
}

// DebitResult reports the effect of a post-call debit.
type DebitResult struct {
	Success       bool
	Remaining     int
	TotalConsumed int
	CostIncurred  int
	LedgerEntryID string
}

type scope struct {
	allocated int
	consumed  int
	parent    string // session ID for work-order scopes, empty for sessions

	// Session scopes only: outstanding work-order reservations, and the
	// consumption of reservations that have since been released.
	reserved         int
	releasedConsumed int
}

func (s *scope) remaining() int { return s.allocated - s.consumed }

// available is the session headroom for a new reservation: the ceiling
// minus live reservations minus tokens spent by released ones.
func (s *scope) available() int { return s.allocated - s.reserved - s.releasedConsumed }

// Budgeter owns every scope. All mutation goes through Allocate* and
// Debit, which serialize on an internal lock.
type Budgeter struct {
	mode   Mode
	stream *ledger.Stream
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*scope
	orders   map[string]*scope
}

// New creates a budgeter in the given mode. Debits and warnings are
// logged to stream (the hot ledger).
func New(mode Mode, stream *ledger.Stream, logger *slog.Logger) *Budgeter {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModeEnforce
	}
	return &Budgeter{
		mode:     mode,
		stream:   stream,
		logger:   logger,
		sessions: make(map[string]*scope),
		orders:   make(map[string]*scope),
	}
}

// Mode returns the process-wide budget mode.
func (b *Budgeter) Mode() Mode { return b.mode }

// AllocateSession opens a session-scope ceiling.
func (b *Budgeter) AllocateSession(sessionID string, amount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = &scope{allocated: amount}
}

// AllocateWorkOrder reserves tokens from a session for one work order. In
// enforce mode the reservation fails when the session's remaining budget
// is insufficient; in warn mode a BUDGET_WARNING event is written and the
// reservation proceeds; in off mode no check runs.
func (b *Budgeter) AllocateWorkOrder(sessionID, woID string, amount int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[sessionID]
	if !ok {
		return fmt.Errorf("budget: unknown session scope %s", sessionID)
	}
	violated := amount > sess.available()
	switch ApplyPolicy(violated, b.mode) {
	case PolicyFail:
		return fmt.Errorf("budget: session %s has %d tokens available, cannot reserve %d", sessionID, sess.available(), amount)
	case PolicyWarn:
		b.writeWarning(woID, fmt.Sprintf("work-order reservation %d exceeds session available %d", amount, sess.available()), sessionID)
	}
	sess.reserved += amount
	b.orders[woID] = &scope{allocated: amount, parent: sessionID}
	return nil
}

// Check reports whether an estimated cost fits the scope's remaining
// budget. In off mode everything is allowed.
func (b *Budgeter) Check(scopeID string, estimated int) CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	sc := b.lookup(scopeID)
	if sc == nil {
		return CheckResult{Allowed: b.mode != ModeEnforce, Reason: "unknown scope " + scopeID}
	}
	if b.mode == ModeOff {
		return CheckResult{Allowed: true, Remaining: sc.remaining()}
	}
	if estimated > sc.remaining() {
		return CheckResult{
			Allowed:   b.mode != ModeEnforce,
			Remaining: sc.remaining(),
			Reason:    fmt.Sprintf("estimated cost %d exceeds remaining %d", estimated, sc.remaining()),
		}
	}
	return CheckResult{Allowed: true, Remaining: sc.remaining()}
}

// Debit accounts usage against a scope and its parent session. Tokens are
// always accounted, in every mode, so telemetry stays truthful even when
// enforcement is off. A BUDGET_DEBIT event is written to the hot stream.
func (b *Budgeter) Debit(scopeID string, usage Usage) DebitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	cost := usage.Total()
	sc := b.lookup(scopeID)
	if sc == nil {
		return DebitResult{Success: false, CostIncurred: cost}
	}
	sc.consumed += cost
	if sc.parent != "" {
		if parent, ok := b.sessions[sc.parent]; ok {
			parent.consumed += cost
		}
	}

	res := DebitResult{
		Success:       true,
		Remaining:     sc.remaining(),
		TotalConsumed: sc.consumed,
		CostIncurred:  cost,
	}
	if b.stream != nil {
		id, err := b.stream.Write(&ledger.Entry{
			EventType:    ledger.EventBudgetDebit,
			SubmissionID: scopeID,
			Decision:     "debited",
			Reason:       fmt.Sprintf("debited %d tokens", cost),
			Metadata: ledger.StandardMeta(ledger.TierHot, ledger.Provenance{}, map[string]any{
				"input_tokens":   usage.InputTokens,
				"output_tokens":  usage.OutputTokens,
				"amount":         cost,
				"remaining":      res.Remaining,
				"total_consumed": res.TotalConsumed,
			}),
		})
		if err != nil {
			b.logger.Error("budget: failed to write debit event", "scope", scopeID, "error", err)
		} else {
			res.LedgerEntryID = id
		}
	}
	return res
}

// Remaining returns the scope's remaining budget, or 0 for unknown scopes.
func (b *Budgeter) Remaining(scopeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sc := b.lookup(scopeID)
	if sc == nil {
		return 0
	}
	return sc.remaining()
}

// Consumed returns the scope's consumed tokens.
func (b *Budgeter) Consumed(scopeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sc := b.lookup(scopeID)
	if sc == nil {
		return 0
	}
	return sc.consumed
}

// ReleaseWorkOrder returns a work order's unused reservation to the
// session. Consumed tokens stay consumed.
func (b *Budgeter) ReleaseWorkOrder(woID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[woID]
	if !ok {
		return
	}
	if sess, ok := b.sessions[order.parent]; ok {
		sess.reserved -= order.allocated
		sess.releasedConsumed += order.consumed
	}
	delete(b.orders, woID)
}

// WriteWarning records a BUDGET_WARNING event. Components use this when
// warn-mode policy tells them to continue past a violation.
func (b *Budgeter) WriteWarning(scopeID, reason, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeWarning(scopeID, reason, sessionID)
}

func (b *Budgeter) writeWarning(scopeID, reason, sessionID string) {
	if b.stream == nil {
		return
	}
	if _, err := b.stream.Write(&ledger.Entry{
		EventType:    ledger.EventBudgetWarning,
		SubmissionID: scopeID,
		Decision:     "warned",
		Reason:       reason,
		Metadata:     ledger.StandardMeta(ledger.TierHot, ledger.Provenance{SessionID: sessionID}, nil),
	}); err != nil {
		b.logger.Error("budget: failed to write warning event", "scope", scopeID, "error", err)
	}
}

func (b *Budgeter) lookup(scopeID string) *scope {
	if sc, ok := b.orders[scopeID]; ok {
		return sc
	}
	if sc, ok := b.sessions[scopeID]; ok {
		return sc
	}
	return nil
}
