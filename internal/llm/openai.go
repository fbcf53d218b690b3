package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Crestview-Labs/metagen/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// chatCompletions is the slice of go-openai the client depends on.
// *openai.Client satisfies it; tests substitute a stub.
type chatCompletions interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements Client on top of the Chat Completions API.
//
// Conversion notes: the system prompt is injected as the first message, tool
// calls ride on the assistant message as function tool_calls with JSON-string
// arguments, and each tool result becomes its own role=tool message linked by
// ToolCallID. Structured output uses the json_schema response format.
type OpenAIClient struct {
	chat        chatCompletions
	model       string
	maxTokens   int
	temperature float64
}

// NewOpenAIClient builds a GPT-backed client from cfg. APIKey is required;
// Model falls back to a default when unset.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		chat:        openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Provider returns "openai".
func (c *OpenAIClient) Provider() string { return "openai" }

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.model }

// Generate performs one chat completion and translates the response into the
// neutral Response shape.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	chatReq, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.CreateChatCompletion(ctx, *chatReq)
	if err != nil {
		return nil, c.wrapError(err)
	}
	return decodeOpenAIResponse(&resp), nil
}

// GenerateStructured constrains the completion with a json_schema response
// format and unmarshals the reply into out.
func (c *OpenAIClient) GenerateStructured(ctx context.Context, req *Request, schema json.RawMessage, out any) error {
	chatReq, err := c.buildRequest(req)
	if err != nil {
		return err
	}
	chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "structured_response",
			Schema: schema,
			Strict: true,
		},
	}

	resp, err := c.chat.CreateChatCompletion(ctx, *chatReq)
	if err != nil {
		return c.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("openai: empty completion response")
	}
	return decodeStructured(resp.Choices[0].Message.Content, out)
}

// Stream adapts a single Generate into unified messages.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan models.Message, error) {
	return streamGenerate(ctx, c, req)
}

func (c *OpenAIClient) buildRequest(req *Request) (*openai.ChatCompletionRequest, error) {
	messages, err := convertOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, err
	}

	chatReq := &openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	}
	if mt := c.getMaxTokens(req.MaxTokens); mt > 0 {
		chatReq.MaxTokens = mt
	}
	if t := c.getTemperature(req.Temperature); t > 0 {
		chatReq.Temperature = float32(t)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	return chatReq, nil
}

func (c *OpenAIClient) getMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTokens
}

func (c *OpenAIClient) getTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temperature
}

// convertOpenAIMessages maps neutral history onto chat-completion messages.
// The system prompt becomes the first message; each tool result expands into
// its own role=tool message as the API requires.
func convertOpenAIMessages(messages []ChatMessage, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args, err := marshalArgs(tc.ToolArgs)
				if err != nil {
					return nil, err
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ToolID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.ToolName,
						Arguments: string(args),
					},
				})
			}
			result = append(result, m)

		case RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result, nil
}

// convertOpenAITools maps tool specs onto function tool definitions. A
// malformed schema degrades to an empty object schema so one bad tool does
// not fail the whole request.
func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// decodeOpenAIResponse flattens the first choice: text into Content, tool
// calls into ToolCallRequests with their JSON-string arguments decoded.
func decodeOpenAIResponse(resp *openai.ChatCompletionResponse) *Response {
	out := &Response{
		Usage: models.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.StopReason = string(choice.FinishReason)

	for _, call := range choice.Message.ToolCalls {
		var args map[string]any
		if call.Function.Arguments != "" {
			// Malformed arguments degrade to a nil-args call; the executor's
			// schema validation reports it to the model.
			_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCallRequest{
			ToolID:   call.ID,
			ToolName: call.Function.Name,
			ToolArgs: args,
		})
	}
	return out
}

// wrapError converts go-openai failures into *ProviderError.
func (c *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := newProviderError("openai", c.model, err).withStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			pe.Message = apiErr.Message
		}
		if code, ok := apiErr.Code.(string); ok {
			pe.Code = code
		}
		return pe
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newProviderError("openai", c.model, err).withStatus(reqErr.HTTPStatusCode)
	}
	return newProviderError("openai", c.model, err)
}
