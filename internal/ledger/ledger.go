// Package ledger implements append-only, hash-chained JSONL event streams.
// Each stream is one file with exactly one writer; the hash chain lets any
// reader prove the append order was not tampered with after the fact.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ZeroHash seeds the chain for the first entry of a stream.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one record in a stream. Entries are frozen at write time and
// never updated or deleted.
type Entry struct {
	ID           string         `json:"id"`
	EventType    string         `json:"event_type"`
	SubmissionID string         `json:"submission_id"`
	Decision     string         `json:"decision"`
	Reason       string         `json:"reason"`
	Timestamp    time.Time      `json:"timestamp"`
	PromptsUsed  []string       `json:"prompts_used,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PrevHash     string         `json:"prev_hash"`
}

// ChainBreak describes one verification failure in a stream.
type ChainBreak struct {
	Index    int
	EntryID  string
	Expected string
	Got      string
	Reason   string
}

func (b ChainBreak) String() string {
	return fmt.Sprintf("entry %d (%s): %s (expected %s, got %s)", b.Index, b.EntryID, b.Reason, b.Expected, b.Got)
}

// Stream is a single append-only JSONL file. The last chain hash is kept
// in memory and mirrored to a small sidecar file so a writer never has to
// re-read the stream on startup.
type Stream struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	lastHash string
}

// Open prepares a stream at path, creating parent directories as needed.
// If the stream already has entries, the last chain hash is recovered from
// the sidecar cache when it matches the stream's final entry, or by
// replaying the file. A sidecar left stale by a crash between the synced
// append and the cache update would otherwise seed the next writer with
// the wrong hash and silently fork the chain.
func Open(path string, logger *slog.Logger) (*Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create stream dir: %w", err)
	}
	s := &Stream{path: path, logger: logger, lastHash: ZeroHash}

	if cached, err := os.ReadFile(s.sidecarPath()); err == nil {
		h := strings.TrimSpace(string(cached))
		if len(h) == len(ZeroHash) && s.sidecarValid(h) {
			s.lastHash = h
			return s, nil
		}
	}
	if _, err := os.Stat(path); err == nil {
		last, err := s.replayLastHash()
		if err != nil {
			return nil, err
		}
		s.lastHash = last
	}
	return s, nil
}

// Path returns the stream's file path.
func (s *Stream) Path() string { return s.path }

// Write appends an entry, assigning its ID, timestamp, and prev_hash, and
// flushes it durably. It returns the assigned entry ID.
func (s *Stream) Write(e *Entry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("ledger: nil entry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = newEntryID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	e.PrevHash = s.lastHash

	line, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("ledger: encode entry: %w", err)
	}
	hash, err := entryHash(e, s.lastHash)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("ledger: open stream: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("ledger: append entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("ledger: sync stream: %w", err)
	}

	s.lastHash = hash
	if err := os.WriteFile(s.sidecarPath(), []byte(hash+"\n"), 0o644); err != nil {
		// The sidecar is only a cache; the chain itself is intact.
		s.logger.Warn("ledger: failed to update hash sidecar", "path", s.sidecarPath(), "error", err)
	}
	return e.ID, nil
}

// ReadAll returns every entry in append order.
func (s *Stream) ReadAll() ([]*Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open stream: %w", err)
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("ledger: decode entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan stream: %w", err)
	}
	return entries, nil
}

// ReadBySubmission returns entries whose submission ID matches id.
func (s *Stream) ReadBySubmission(id string) ([]*Entry, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range all {
		if e.SubmissionID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReadByEventType returns entries of the given event type.
func (s *Stream) ReadByEventType(eventType string) ([]*Entry, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

// VerifyChain recomputes the hash chain from the start of the stream and
// returns every break found. An empty result means the chain is intact.
func (s *Stream) VerifyChain() ([]ChainBreak, error) {
	entries, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	var breaks []ChainBreak
	prev := ZeroHash
	for i, e := range entries {
		if e.PrevHash != prev {
			breaks = append(breaks, ChainBreak{
				Index:    i,
				EntryID:  e.ID,
				Expected: prev,
				Got:      e.PrevHash,
				Reason:   "prev_hash mismatch",
			})
			// Resync on the stored value so one break doesn't cascade.
			prev = e.PrevHash
		}
		h, err := entryHash(e, prev)
		if err != nil {
			return nil, err
		}
		prev = h
	}
	return breaks, nil
}

func (s *Stream) sidecarPath() string { return s.path + ".hash" }

// sidecarValid reports whether hash is the chain hash of the stream's
// final entry. An empty or missing stream matches only the zero hash.
func (s *Stream) sidecarValid(hash string) bool {
	line, ok := s.tailLine()
	if !ok {
		return false
	}
	if line == "" {
		return hash == ZeroHash
	}
	var e Entry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return false
	}
	h, err := entryHash(&e, e.PrevHash)
	if err != nil {
		return false
	}
	return h == hash
}

// tailLine returns the stream's last line without reading the whole
// file. The second return is false when the caller must replay instead.
func (s *Stream) tailLine() (string, bool) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", true
		}
		return "", false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", false
	}
	size := info.Size()
	if size == 0 {
		return "", true
	}
	const window = int64(256 << 10)
	off := size - window
	if off < 0 {
		off = 0
	}
	buf := make([]byte, size-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return "", false
	}
	text := strings.TrimRight(string(buf), "\n")
	idx := strings.LastIndexByte(text, '\n')
	if idx < 0 && off > 0 {
		// The final entry is larger than the tail window.
		return "", false
	}
	return strings.TrimSpace(text[idx+1:]), true
}

func (s *Stream) replayLastHash() (string, error) {
	entries, err := s.ReadAll()
	if err != nil {
		return "", err
	}
	prev := ZeroHash
	for _, e := range entries {
		h, err := entryHash(e, prev)
		if err != nil {
			return "", err
		}
		prev = h
	}
	return prev, nil
}

// entryHash computes h_i = sha256(canonical_json(entry) || h_{i-1}).
func entryHash(e *Entry, prev string) (string, error) {
	canon, err := CanonicalJSON(e)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize entry: %w", err)
	}
	h := sha256.New()
	h.Write(canon)
	h.Write([]byte(prev))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// newEntryID returns an ID of the form LED-<8 hex>.
func newEntryID() string {
	id := uuid.NewString()
	return "LED-" + strings.ReplaceAll(id, "-", "")[:8]
}
