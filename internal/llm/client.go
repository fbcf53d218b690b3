// Package llm provides provider-agnostic access to chat-completion APIs.
//
// The package exposes a single Client interface implemented for Anthropic
// (anthropic-sdk-go), OpenAI (go-openai) and Google Gemini (genai). Each
// implementation translates the neutral Request/Response types into the
// provider's wire format: system prompts, tool definitions, tool-call
// round-trips and token usage all cross the boundary here so that agents
// never touch provider SDK types.
//
// Clients perform no retries; transient failures surface as *ProviderError
// and retry policy belongs to the caller.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Crestview-Labs/metagen/pkg/models"
)

// Role identifies the author of a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolSpec describes one callable tool advertised to the model. InputSchema
// is a JSON Schema document (draft 2020-12) for the tool's arguments object.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolResultPayload carries the full outcome of one tool call back to the
// model. Content holds the LLM-visible result text: the tool's output on
// success, the error message when IsError is set.
type ToolResultPayload struct {
	ToolCallID string
	ToolName   string
	Content    string
	IsError    bool
	ErrorType  string
}

// ChatMessage is one entry in the provider-agnostic conversation history.
//
// Assistant messages may carry ToolCalls alongside text content. Tool
// messages carry ToolResults; their Content field holds a compact summary
// for history inspection and is not sent to the provider (the encoders
// serialize the full payloads instead).
type ChatMessage struct {
	Role        Role
	Content     string
	ToolCalls   []models.ToolCallRequest
	ToolResults []ToolResultPayload
}

// Request is a single completion request. AgentID and SessionID identify the
// requesting conversation and are stamped onto messages emitted by Stream;
// they are never sent to the provider.
type Request struct {
	System      string
	Messages    []ChatMessage
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
	AgentID     string
	SessionID   string
}

// Response is the provider-agnostic result of one completion call.
type Response struct {
	Content    string
	ToolCalls  []models.ToolCallRequest
	Usage      models.TokenUsage
	StopReason string
}

// Client is the neutral interface agents program against.
//
// Generate performs one blocking completion. GenerateStructured constrains
// the model to the given JSON Schema and unmarshals the reply into out.
// Stream performs one Generate and adapts the response into unified
// messages on an unbuffered channel.
type Client interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	GenerateStructured(ctx context.Context, req *Request, schema json.RawMessage, out any) error
	Stream(ctx context.Context, req *Request) (<-chan models.Message, error)
	Provider() string
	Model() string
}

// Config selects and parameterizes a provider. Provider is one of
// "anthropic", "openai" or "gemini".
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
}

// New constructs the Client named by cfg.Provider.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic":
		return NewAnthropicClient(cfg)
	case "openai":
		return NewOpenAIClient(cfg)
	case "gemini", "google":
		return NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
}

// AppendToolResults extends history with one assistant message carrying the
// model's text and issued tool calls, followed by one tool message carrying
// their results. The tool message's Content is a newline-joined human-readable
// summary; provider encoders read the structured ToolResults instead.
func AppendToolResults(history []ChatMessage, content string, calls []models.ToolCallRequest, results []ToolResultPayload) []ChatMessage {
	history = append(history, ChatMessage{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	})

	summaries := make([]string, 0, len(results))
	for _, r := range results {
		summaries = append(summaries, ResultSummary(r))
	}
	history = append(history, ChatMessage{
		Role:        RoleTool,
		Content:     strings.Join(summaries, "\n"),
		ToolResults: results,
	})
	return history
}

// ResultSummary renders the one-line record of a tool outcome kept in the
// history: "[name] Success" or "[name] Error (<type>): <msg>".
func ResultSummary(r ToolResultPayload) string {
	if r.IsError {
		return fmt.Sprintf("[%s] Error (%s): %s", r.ToolName, r.ErrorType, r.Content)
	}
	return fmt.Sprintf("[%s] Success", r.ToolName)
}

// streamGenerate implements Stream on top of a client's Generate. The
// request runs synchronously so call failures return as errors; the
// resulting messages are then emitted in order on an unbuffered channel:
// a non-final AgentMessage when the model produced text, a ToolCallMessage
// when it requested tools, and finally a UsageMessage.
func streamGenerate(ctx context.Context, c Client, req *Request) (<-chan models.Message, error) {
	resp, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Message)
	go func() {
		defer close(out)
		if resp.Content != "" {
			if !sendMessage(ctx, out, models.NewAgentMessage(req.AgentID, req.SessionID, resp.Content, false)) {
				return
			}
		}
		if len(resp.ToolCalls) > 0 {
			if !sendMessage(ctx, out, models.NewToolCallMessage(req.AgentID, req.SessionID, resp.ToolCalls)) {
				return
			}
		}
		sendMessage(ctx, out, models.NewUsageMessage(req.AgentID, req.SessionID, resp.Usage))
	}()
	return out, nil
}

// sendMessage delivers msg unless the context is canceled first.
func sendMessage(ctx context.Context, out chan<- models.Message, msg models.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// marshalArgs renders tool arguments for the wire. A nil map marshals as an
// empty object so providers always receive valid JSON.
func marshalArgs(args map[string]any) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal tool args: %w", err)
	}
	return data, nil
}

// decodeStructured unmarshals a structured-output reply, trimming any
// markdown code fences models occasionally wrap around JSON.
func decodeStructured(raw string, out any) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("llm: decode structured response: %w", err)
	}
	return nil
}
