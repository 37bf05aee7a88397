// Package providers adapts chat-completion backends to the agent loop.
package providers

import (
	"context"
	"time"
)

// Provider is the interface all LLM providers must implement.
type Provider interface {
	// Chat sends messages to the LLM and returns a response.
	// The request context bounds the call; providers add their own timeout.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// VisionProvider is implemented by providers whose model accepts image parts.
type VisionProvider interface {
	SupportsVision() bool
}

// SupportsVision reports whether p accepts image input.
func SupportsVision(p Provider) bool {
	v, ok := p.(VisionProvider)
	return ok && v.SupportsVision()
}

// ChatRequest contains the input for a Chat call.
type ChatRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float32         `json:"temperature,omitempty"`
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage     `json:"usage,omitempty"`
}

// ImageContent represents a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"` // e.g. "image/jpeg"
	Data     string `json:"data"`      // base64-encoded image bytes
}

// Message is one conversation turn. It doubles as the persisted history entry,
// so user turns carry the sender and platform message they came from.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"` // vision parts; never persisted
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" responses

	MessageID string    `json:"message_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Nickname  string    `json:"nickname,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// HasToolCalls reports whether m is an assistant turn requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == "assistant" && len(m.ToolCalls) > 0
}

// ToolCall represents a tool invocation requested by the LLM.
// Arguments is the raw JSON text as produced by the model and may be malformed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 *Usage) {
	if u2 == nil {
		return
	}
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
}
