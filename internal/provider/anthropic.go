package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/cortex/pkg/models"
)

// AnthropicConfig configures the Anthropic Messages API adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Anthropic adapts the Anthropic Messages API to the Provider interface.
// Tool-use content blocks are preserved as typed blocks so the executor
// can run its tool loop.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic creates the adapter. The API key is required.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *Anthropic) Name() string { return "anthropic" }

// Send performs one non-streaming Messages round-trip.
func (p *Anthropic) Send(ctx context.Context, req *SendRequest) (*Response, error) {
	ctx, cancel := callTimeout(ctx, req)
	defer cancel()

	model := req.ModelID
	if model == "" {
		model = p.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	// Structured output rides as a pseudo-tool; real tools win when both
	// are present (the executor already enforces mutual exclusion).
	tools := req.Tools
	if len(tools) == 0 && req.StructuredOutput != nil {
		tools = []models.ToolSchema{{
			Name:        req.StructuredOutput.Name,
			Description: "Emit the final answer as structured JSON.",
			InputSchema: req.StructuredOutput.Schema,
		}}
	}
	if len(tools) > 0 {
		converted, err := convertAnthropicTools(tools)
		if err != nil {
			return nil, err
		}
		params.Tools = converted
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	resp := &Response{
		ModelID:   string(msg.Model),
		RequestID: msg.ID,
	}
	resp.InputTokens = int(msg.Usage.InputTokens)
	resp.OutputTokens = int(msg.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			tb := block.AsText()
			text.WriteString(tb.Text)
			resp.ContentBlocks = append(resp.ContentBlocks, models.ContentBlock{
				Type: "text",
				Text: tb.Text,
			})
		case "tool_use":
			tu := block.AsToolUse()
			input, err := json.Marshal(tu.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: encode tool input: %w", err)
			}
			resp.ContentBlocks = append(resp.ContentBlocks, models.ContentBlock{
				Type:     "tool_use",
				ToolID:   tu.ID,
				ToolName: tu.Name,
				Input:    input,
			})
		}
	}
	resp.Content = text.String()

	switch msg.StopReason {
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = models.FinishLength
	case anthropic.StopReasonToolUse:
		resp.FinishReason = models.FinishToolUse
	default:
		resp.FinishReason = models.FinishStop
	}
	return resp, nil
}

func convertAnthropicTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *Anthropic) wrapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Provider: p.Name(), Kind: KindTimeout, Err: err}
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &TransportError{
			Provider: p.Name(),
			Kind:     ClassifyStatus(apiErr.StatusCode),
			Status:   apiErr.StatusCode,
			Err:      err,
		}
	}
	return &TransportError{Provider: p.Name(), Kind: KindServerError, Err: err}
}
