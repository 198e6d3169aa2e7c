package provider

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/cortex/pkg/models"
)

// OpenAIConfig configures the OpenAI chat-completions adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAI adapts the chat completions API. This backend returns plain text
// only; ContentBlocks is always nil, so callers fall back to the lenient
// tool extraction path.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI creates the adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAI) Name() string { return "openai" }

// Send performs one chat-completion round-trip.
func (p *OpenAI) Send(ctx context.Context, req *SendRequest) (*Response, error) {
	ctx, cancel := callTimeout(ctx, req)
	defer cancel()

	model := req.ModelID
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	if req.StructuredOutput != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	out, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(out.Choices) == 0 {
		return nil, &TransportError{
			Provider: p.Name(),
			Kind:     KindServerError,
			Err:      errors.New("empty choices in completion response"),
		}
	}

	choice := out.Choices[0]
	resp := &Response{
		Content:      choice.Message.Content,
		ModelID:      out.Model,
		RequestID:    out.ID,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}
	switch choice.FinishReason {
	case openai.FinishReasonLength:
		resp.FinishReason = models.FinishLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		resp.FinishReason = models.FinishToolUse
	default:
		resp.FinishReason = models.FinishStop
	}
	return resp, nil
}

func (p *OpenAI) wrapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Provider: p.Name(), Kind: KindTimeout, Err: err}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &TransportError{
			Provider: p.Name(),
			Kind:     ClassifyStatus(apiErr.HTTPStatusCode),
			Status:   apiErr.HTTPStatusCode,
			Err:      fmt.Errorf("openai API error: %w", err),
		}
	}
	return &TransportError{Provider: p.Name(), Kind: KindServerError, Err: err}
}
