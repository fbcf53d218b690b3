package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/Crestview-Labs/metagen/pkg/models"
)

const defaultGeminiModel = "gemini-2.0-flash"

// geminiGenerator is the slice of the genai SDK the client depends on.
// *genai.Models satisfies it; tests substitute a stub.
type geminiGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements Client on top of the Gemini API.
//
// Conversion notes: the system prompt travels as SystemInstruction, tools as
// FunctionDeclarations with schemas lifted into genai.Schema, tool calls as
// FunctionCall parts on model-role content and tool results as
// FunctionResponse parts on user-role content. Gemini does not always assign
// call identifiers, so missing IDs are synthesized locally. Structured output
// uses ResponseMIMEType "application/json" plus ResponseSchema.
type GeminiClient struct {
	gen         geminiGenerator
	model       string
	maxTokens   int
	temperature float64
}

// NewGeminiClient builds a Gemini-backed client from cfg. APIKey is required;
// Model falls back to a default when unset.
func NewGeminiClient(cfg Config) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiClient{
		gen:         client.Models,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Provider returns "gemini".
func (c *GeminiClient) Provider() string { return "gemini" }

// Model returns the configured model identifier.
func (c *GeminiClient) Model() string { return c.model }

// Generate performs one GenerateContent call and translates the response
// into the neutral Response shape.
func (c *GeminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	resp, err := c.gen.GenerateContent(ctx, c.model, contents, c.buildConfig(req))
	if err != nil {
		return nil, c.wrapError(err)
	}
	return decodeGeminiResponse(resp), nil
}

// GenerateStructured constrains the generation to JSON matching schema and
// unmarshals the reply into out.
func (c *GeminiClient) GenerateStructured(ctx context.Context, req *Request, schema json.RawMessage, out any) error {
	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return err
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		return fmt.Errorf("gemini: invalid response schema: %w", err)
	}

	config := c.buildConfig(req)
	// Structured replies cannot mix with tool calling.
	config.Tools = nil
	config.ResponseMIMEType = "application/json"
	config.ResponseSchema = toGeminiSchema(schemaMap)

	resp, err := c.gen.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return c.wrapError(err)
	}
	decoded := decodeGeminiResponse(resp)
	if decoded.Content == "" {
		return errors.New("gemini: model did not produce a structured response")
	}
	return decodeStructured(decoded.Content, out)
}

// Stream adapts a single Generate into unified messages.
func (c *GeminiClient) Stream(ctx context.Context, req *Request) (<-chan models.Message, error) {
	return streamGenerate(ctx, c, req)
}

func (c *GeminiClient) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if mt := c.getMaxTokens(req.MaxTokens); mt > 0 {
		config.MaxOutputTokens = int32(min(mt, math.MaxInt32))
	}
	if t := c.getTemperature(req.Temperature); t > 0 {
		config.Temperature = genai.Ptr(float32(t))
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(req.Tools)
	}
	return config
}

func (c *GeminiClient) getMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTokens
}

func (c *GeminiClient) getTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temperature
}

// convertGeminiMessages maps neutral history onto genai Contents. Tool
// results come back from the user side; non-object result content is wrapped
// into a {"result": ..., "error": ...} response map.
func convertGeminiMessages(messages []ChatMessage) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		// System prompts are handled via SystemInstruction in the config.
		if msg.Role == RoleSystem {
			continue
		}

		content := &genai.Content{}
		if msg.Role == RoleAssistant {
			content.Role = genai.RoleModel
		} else {
			content.Role = genai.RoleUser
		}

		if msg.Content != "" && len(msg.ToolResults) == 0 {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			args := tc.ToolArgs
			if args == nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   tc.ToolID,
					Name: tc.ToolName,
					Args: args,
				},
			})
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{
					"result": tr.Content,
					"error":  tr.IsError,
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     tr.ToolName,
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	if len(result) == 0 {
		return nil, errors.New("gemini: at least one message is required")
	}
	return result, nil
}

// convertGeminiTools maps tool specs onto a single genai.Tool carrying all
// function declarations. Tools with unparseable schemas are dropped.
func convertGeminiTools(tools []ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))

	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}

	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema lifts a JSON Schema map into genai's typed Schema. Gemini
// spells type names in uppercase.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

// decodeGeminiResponse flattens the first candidate: text parts concatenate
// into Content, FunctionCall parts become ToolCallRequests.
func decodeGeminiResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{}

	if resp.UsageMetadata != nil {
		out.Usage = models.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	candidate := resp.Candidates[0]
	out.StopReason = string(candidate.FinishReason)
	if candidate.Content == nil {
		return out
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				id = generateToolCallID(part.FunctionCall.Name)
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCallRequest{
				ToolID:   id,
				ToolName: part.FunctionCall.Name,
				ToolArgs: part.FunctionCall.Args,
			})
		}
	}
	out.Content = text.String()
	return out
}

// generateToolCallID synthesizes a correlation ID for providers that omit
// one. FunctionResponse parts echo it back on the next request.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// wrapError converts genai failures into *ProviderError. The SDK reports
// gRPC-flavored statuses in message text, so the status is sniffed.
func (c *GeminiClient) wrapError(err error) error {
	pe := newProviderError("gemini", c.model, err)

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthenticated"):
		pe = pe.withStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403"), strings.Contains(msg, "permission denied"):
		pe = pe.withStatus(http.StatusForbidden)
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"):
		pe = pe.withStatus(http.StatusNotFound)
	case strings.Contains(msg, "429"), strings.Contains(msg, "resource exhausted"):
		pe = pe.withStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "500"):
		pe = pe.withStatus(http.StatusInternalServerError)
	case strings.Contains(msg, "503"):
		pe = pe.withStatus(http.StatusServiceUnavailable)
	}
	return pe
}
