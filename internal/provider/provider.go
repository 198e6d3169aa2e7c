// Package provider abstracts LLM backends behind a single synchronous
// Send call. Adapters translate between the kernel's request/response
// shapes and each vendor SDK, and surface transport failures as typed
// errors carrying a retry classification.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/cortex/pkg/models"
)

// SendRequest is the fully-rendered request handed to a backend.
type SendRequest struct {
	ModelID          string
	Prompt           string
	MaxTokens        int
	Temperature      float64
	TimeoutMS        int
	StructuredOutput *models.StructuredOutput
	Tools            []models.ToolSchema
}

// Response is a provider's answer. ContentBlocks is nil for backends that
// only produce plain text; callers must treat that as valid.
type Response struct {
	Content       string
	ContentBlocks []models.ContentBlock
	FinishReason  models.FinishReason
	InputTokens   int
	OutputTokens  int
	ModelID       string
	RequestID     string
}

// Provider is an LLM backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Send performs one blocking completion round-trip. Transport
	// failures are returned as *TransportError.
	Send(ctx context.Context, req *SendRequest) (*Response, error)

	// Name returns the provider's stable routing identifier.
	Name() string
}

// ErrorKind classifies a transport failure for the gateway's error
// taxonomy.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth_error"
	KindRateLimited    ErrorKind = "rate_limited"
	KindServerError    ErrorKind = "server_error"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindTimeout        ErrorKind = "timeout"
)

// Retryable reports whether callers may reasonably retry this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindTimeout:
		return true
	}
	return false
}

// TransportError is a typed provider failure with a retry hint.
type TransportError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status to an error kind following the
// gateway taxonomy: 401/403 auth, 429 rate limit, 5xx server, 4xx
// invalid request.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	default:
		return KindInvalidRequest
	}
}

// callTimeout applies the request's timeout_ms as a context deadline.
func callTimeout(ctx context.Context, req *SendRequest) (context.Context, context.CancelFunc) {
	if req.TimeoutMS <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
}
