// Package session tracks conversation sessions: identity, turn history,
// and the monotonic work-order ID sequence. Lifecycle events go to the
// ho2 stream.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/cortex/internal/ledger"
)

// Turn is one recorded user/assistant exchange.
type Turn struct {
	Number    int       `json:"number"`
	UserInput string    `json:"user_input"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is the cost roll-up written at session end.
type Summary struct {
	Turns          int `json:"turns"`
	TokensConsumed int `json:"tokens_consumed"`
	WorkOrders     int `json:"work_orders"`
}

type state struct {
	turns    []Turn
	woSeq    int
	agentCls string
	started  time.Time
}

// Manager owns session state. Safe for concurrent sessions; per-session
// operations serialize on the manager lock.
type Manager struct {
	stream *ledger.Stream
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*state
}

// NewManager creates a session manager writing to stream (ho2).
func NewManager(stream *ledger.Stream, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		stream:   stream,
		logger:   logger,
		sessions: make(map[string]*state),
	}
}

// Start opens a new session and writes SESSION_START.
func (m *Manager) Start(agentClass string) string {
	id := newSessionID()
	m.mu.Lock()
	m.sessions[id] = &state{agentCls: agentClass, started: time.Now().UTC()}
	m.mu.Unlock()

	m.write(ledger.EventSessionStart, id, "started", "", ledger.Provenance{
		AgentClass: agentClass,
		SessionID:  id,
	}, nil)
	return id
}

// End closes a session and writes SESSION_END with the cost summary.
func (m *Manager) End(sessionID string, summary Summary) {
	m.mu.Lock()
	st := m.sessions[sessionID]
	if st != nil {
		summary.Turns = len(st.turns)
		summary.WorkOrders = st.woSeq
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.write(ledger.EventSessionEnd, sessionID, "ended", "", ledger.Provenance{
		SessionID: sessionID,
	}, map[string]any{
		"turns":           summary.Turns,
		"tokens_consumed": summary.TokensConsumed,
		"work_orders":     summary.WorkOrders,
	})
}

// AddTurn appends one exchange to the session history and writes exactly
// one TURN_RECORDED event.
func (m *Manager) AddTurn(sessionID, userInput, response string) int {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		st = &state{}
		m.sessions[sessionID] = st
	}
	turn := Turn{
		Number:    len(st.turns) + 1,
		UserInput: userInput,
		Response:  response,
		Timestamp: time.Now().UTC(),
	}
	st.turns = append(st.turns, turn)
	agentClass := st.agentCls
	m.mu.Unlock()

	m.write(ledger.EventTurnRecorded, sessionID, "recorded", "", ledger.Provenance{
		AgentClass: agentClass,
		SessionID:  sessionID,
		TurnNumber: turn.Number,
	}, map[string]any{
		"user_input": userInput,
		"response":   response,
		"turn":       turn.Number,
	})
	return turn.Number
}

// History returns a copy of the session's recorded turns.
func (m *Manager) History(sessionID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Turn, len(st.turns))
	copy(out, st.turns)
	return out
}

// TurnCount returns the number of recorded turns.
func (m *Manager) TurnCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(st.turns)
}

// NextWOID returns the next work-order ID for the session, of the form
// WO-<session>-<NNN>, monotonic within the session.
func (m *Manager) NextWOID(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		st = &state{}
		m.sessions[sessionID] = st
	}
	st.woSeq++
	return fmt.Sprintf("WO-%s-%03d", strings.TrimPrefix(sessionID, "SES-"), st.woSeq)
}

func (m *Manager) write(eventType, sessionID, decision, reason string, prov ledger.Provenance, extra map[string]any) {
	if m.stream == nil {
		return
	}
	if _, err := m.stream.Write(&ledger.Entry{
		EventType:    eventType,
		SubmissionID: sessionID,
		Decision:     decision,
		Reason:       reason,
		Metadata:     ledger.StandardMeta(ledger.TierHO2, prov, extra),
	}); err != nil {
		m.logger.Error("session: failed to write ledger event",
			"event", eventType, "session", sessionID, "error", err)
	}
}

// newSessionID returns an ID of the form SES-<8 hex>.
func newSessionID() string {
	return "SES-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
