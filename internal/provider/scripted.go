package provider

import (
	"context"
	"sync"

	"github.com/haasonsaas/cortex/pkg/models"
)

// Scripted is a deterministic in-process backend. Responses are served
// from a queue in FIFO order; when the queue runs dry the fallback is
// returned. Tests and the offline demo mode use it in place of a live
// provider.
type Scripted struct {
	name string

	mu       sync.Mutex
	queue    []*Response
	fallback *Response
	requests []*SendRequest
	err      error
}

// NewScripted creates a scripted backend named name.
func NewScripted(name string) *Scripted {
	if name == "" {
		name = "scripted"
	}
	return &Scripted{
		name: name,
		fallback: &Response{
			Content:      "ok",
			FinishReason: models.FinishStop,
			InputTokens:  10,
			OutputTokens: 5,
			ModelID:      "scripted-v1",
		},
	}
}

// Name returns the configured backend name.
func (p *Scripted) Name() string { return p.name }

// Enqueue appends responses to the script.
func (p *Scripted) Enqueue(resps ...*Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, resps...)
}

// SetFallback replaces the response served after the queue is exhausted.
func (p *Scripted) SetFallback(r *Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = r
}

// FailWith makes every subsequent Send return err. Pass nil to clear.
func (p *Scripted) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Requests returns a copy of every request seen so far.
func (p *Scripted) Requests() []*SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*SendRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// Send serves the next scripted response.
func (p *Scripted) Send(ctx context.Context, req *SendRequest) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Provider: p.name, Kind: KindTimeout, Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		out := *next
		if out.ModelID == "" {
			out.ModelID = "scripted-v1"
		}
		return &out, nil
	}
	out := *p.fallback
	return &out, nil
}
