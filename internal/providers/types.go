package providers

import (
	"context"
	"errors"
)

// ChatClient is the surface the agent loop drives. Implemented by the
// OpenAI-compatible HTTP client and by test fakes.
type ChatClient interface {
	// Chat sends messages and blocks for the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends messages and relays stream events via callback as
	// they arrive. Returns the assembled response after the stream ends.
	ChatStream(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (*ChatResponse, error)
}

// ChatRequest contains the input for a Chat/ChatStream call.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// ChatResponse is the result from a completion call.
type ChatResponse struct {
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage     `json:"usage,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" responses
	Name       string         `json:"name,omitempty"`         // tool name on role="tool"
}

// ImageContent is a base64-encoded image attached to a user message.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation requested by the model. Arguments stays a
// raw JSON string: streamed fragments are concatenated before anything
// parses them, and the dispatcher owns the parse.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Type     string         `json:"type"` // "function"
	Function FunctionSchema `json:"function"`
}

// FunctionSchema is the schema for a function tool.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption as reported by the server.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamEventType tags events produced while reading a completion stream.
type StreamEventType string

const (
	StreamContent       StreamEventType = "content"
	StreamReasoning     StreamEventType = "reasoning"
	StreamToolCallStart StreamEventType = "tool_call_start"
	StreamToolCallArgs  StreamEventType = "tool_call_args"
	StreamUsage         StreamEventType = "usage"
	StreamDone          StreamEventType = "done"
)

// StreamEvent is one parsed increment of a completion stream. Which fields
// are set depends on Type: Content carries token text for content and
// reasoning events, Index/ToolID/ToolName identify a tool-call slot, and
// ArgsFragment is one piece of that slot's argument string.
type StreamEvent struct {
	Type         StreamEventType
	Content      string
	Index        int
	ToolID       string
	ToolName     string
	ArgsFragment string
	Usage        *Usage
}

// Stream failure taxonomy. Transport-level failures surface as wrapped
// net/http errors or *HTTPError; caller cancellation surfaces as the
// context's error.
var (
	// ErrMalformedFrame reports a data line that is not valid JSON.
	ErrMalformedFrame = errors.New("malformed stream frame")

	// ErrTruncatedStream reports a stream that closed before the [DONE]
	// sentinel while the response was still incomplete.
	ErrTruncatedStream = errors.New("stream closed before completion")
)
