package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Crestview-Labs/metagen/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// structuredToolName is the synthetic tool used to force schema-shaped
// output from providers without a native structured-output mode.
const structuredToolName = "emit_structured_response"

// anthropicMessages is the slice of the SDK client Generate depends on.
// *anthropic.MessageService satisfies it; tests substitute a stub.
type anthropicMessages interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicClient implements Client on top of the Claude Messages API.
//
// Conversion notes: the system prompt travels as a separate text block, tool
// definitions as ToolUnionParams, tool calls as tool_use content blocks and
// tool results as tool_result blocks under a user message. Structured output
// is obtained by forcing a single synthetic tool whose input schema is the
// response schema.
type AnthropicClient struct {
	messages    anthropicMessages
	model       string
	maxTokens   int
	temperature float64
}

// NewAnthropicClient builds a Claude-backed client from cfg. APIKey is
// required; Model and MaxTokens fall back to defaults when unset.
func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicClient{
		messages:    &client.Messages,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Provider returns "anthropic".
func (c *AnthropicClient) Provider() string { return "anthropic" }

// Model returns the configured model identifier.
func (c *AnthropicClient) Model() string { return c.model }

// Generate performs one non-streaming Messages.New call and translates the
// response into the neutral Response shape.
func (c *AnthropicClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.messages.New(ctx, *params)
	if err != nil {
		return nil, c.wrapError(err)
	}
	return decodeAnthropicMessage(msg), nil
}

// GenerateStructured forces the model to call a synthetic tool whose input
// schema is the response schema, then unmarshals the tool_use input into out.
func (c *AnthropicClient) GenerateStructured(ctx context.Context, req *Request, schema json.RawMessage, out any) error {
	params, err := c.buildParams(req)
	if err != nil {
		return err
	}

	var schemaParam anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(schema, &schemaParam); err != nil {
		return fmt.Errorf("anthropic: invalid response schema: %w", err)
	}
	tool := anthropic.ToolUnionParamOfTool(schemaParam, structuredToolName)
	if tool.OfTool == nil {
		return errors.New("anthropic: invalid response schema: missing tool definition")
	}
	tool.OfTool.Description = anthropic.String("Record the structured response matching the required schema.")
	params.Tools = []anthropic.ToolUnionParam{tool}
	params.ToolChoice = anthropic.ToolChoiceParamOfTool(structuredToolName)

	msg, err := c.messages.New(ctx, *params)
	if err != nil {
		return c.wrapError(err)
	}
	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == structuredToolName {
			if err := json.Unmarshal(block.Input, out); err != nil {
				return fmt.Errorf("anthropic: decode structured response: %w", err)
			}
			return nil
		}
	}
	return errors.New("anthropic: model did not produce a structured response")
}

// Stream adapts a single Generate into unified messages.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan models.Message, error) {
	return streamGenerate(ctx, c, req)
}

func (c *AnthropicClient) buildParams(req *Request) (*anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  messages,
		MaxTokens: int64(c.getMaxTokens(req.MaxTokens)),
	}

	// System prompt travels separately from the message list.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	if t := c.getTemperature(req.Temperature); t > 0 {
		params.Temperature = anthropic.Float(t)
	}
	return params, nil
}

func (c *AnthropicClient) getMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTokens
}

func (c *AnthropicClient) getTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temperature
}

// convertAnthropicMessages maps neutral history onto Anthropic MessageParams.
// Tool results ride under user messages; the summary Content of a tool
// message is a local record and never reaches the wire.
func convertAnthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		// System prompts are handled via params.System.
		if msg.Role == RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" && len(msg.ToolResults) == 0 {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			args := tc.ToolArgs
			if args == nil {
				args = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ToolID, args, tc.ToolName))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	if len(result) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return result, nil
}

// convertAnthropicTools maps tool specs onto Anthropic tool definitions.
func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// decodeAnthropicMessage flattens a completed message: text blocks
// concatenate into Content, tool_use blocks become ToolCallRequests.
func decodeAnthropicMessage(msg *anthropic.Message) *Response {
	resp := &Response{}
	var text strings.Builder

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				// Malformed input degrades to a nil-args call; the executor's
				// schema validation reports it to the model.
				_ = json.Unmarshal(block.Input, &args)
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCallRequest{
				ToolID:   block.ID,
				ToolName: block.Name,
				ToolArgs: args,
			})
		}
	}

	resp.Content = text.String()
	resp.StopReason = string(msg.StopReason)
	resp.Usage = models.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError converts SDK failures into *ProviderError, pulling the status,
// error type and request ID out of the API error body when present.
func (c *AnthropicClient) wrapError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return newProviderError("anthropic", c.model, err)
	}

	pe := newProviderError("anthropic", c.model, err).
		withStatus(apiErr.StatusCode).
		withRequestID(apiErr.RequestID)

	if raw := apiErr.RawJSON(); raw != "" {
		var body anthropicErrorBody
		if json.Unmarshal([]byte(raw), &body) == nil {
			if body.Error.Message != "" {
				pe.Message = body.Error.Message
			}
			if body.Error.Type != "" {
				pe.Code = body.Error.Type
			}
			if body.RequestID != "" {
				pe.RequestID = body.RequestID
			}
		}
	}
	return pe
}
