// Package shell is the line-oriented REPL boundary. It owns nothing but
// the loop: each line becomes one supervisor turn, and consolidation is
// dispatched asynchronously after the response has been flushed so it
// never blocks the next prompt.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/cortex/internal/runtime"
)

// Shell runs the interactive loop.
type Shell struct {
	rt     *runtime.Runtime
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	consolidations sync.WaitGroup
}

// New creates a shell over the runtime.
func New(rt *runtime.Runtime, in io.Reader, out io.Writer) *Shell {
	return &Shell{rt: rt, in: in, out: out, logger: rt.Logger}
}

// Run processes lines until EOF or an exit command. It returns after all
// in-flight consolidations have drained and the session has ended.
func (s *Shell) Run(ctx context.Context) error {
	sessionID := s.rt.Supervisor.StartSession(s.rt.Config.Budget.SessionTokenLimit)
	fmt.Fprintf(s.out, "session %s started (budget mode: %s)\n", sessionID, s.rt.Budgeter.Mode())

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}

		result := s.rt.Supervisor.HandleTurn(ctx, sessionID, line)
		fmt.Fprintln(s.out, result.Response)
		if result.Degraded {
			s.logger.Warn("turn degraded", "session", sessionID)
		}

		// Response is flushed; consolidation must not block the next read.
		if len(result.ConsolidationCandidates) > 0 {
			candidates := result.ConsolidationCandidates
			s.consolidations.Add(1)
			go func() {
				defer s.consolidations.Done()
				s.rt.Supervisor.RunConsolidation(context.WithoutCancel(ctx), sessionID, candidates)
			}()
		}
	}

	s.consolidations.Wait()
	s.rt.Supervisor.EndSession(sessionID)
	fmt.Fprintf(s.out, "session %s ended\n", sessionID)
	return scanner.Err()
}

// RunOnce executes a single turn outside the loop, used by the one-shot
// CLI path. Consolidation runs synchronously before returning.
func (s *Shell) RunOnce(ctx context.Context, input string) (string, error) {
	sessionID := s.rt.Supervisor.StartSession(s.rt.Config.Budget.SessionTokenLimit)
	defer s.rt.Supervisor.EndSession(sessionID)

	result := s.rt.Supervisor.HandleTurn(ctx, sessionID, input)
	if len(result.ConsolidationCandidates) > 0 {
		s.rt.Supervisor.RunConsolidation(ctx, sessionID, result.ConsolidationCandidates)
	}
	return result.Response, nil
}
