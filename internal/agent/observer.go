package agent

import (
	"time"

	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/tools"
)

// Observer receives loop events. Every field is optional; nil fields are
// skipped. Callbacks run synchronously on the loop goroutine, so slow
// consumers should hand off to their own buffers.
type Observer struct {
	OnToken          func(token string)
	OnReasoningToken func(token string)
	OnToolCall       func(call providers.ToolCall)
	OnToolProgress   func(call providers.ToolCall, p tools.Progress)
	OnToolResult     func(call providers.ToolCall, result string)
	OnToolComplete   func(call providers.ToolCall, elapsed time.Duration)
	OnUsage          func(u providers.Usage)
	OnSummarization  func(summary string)
}

func (o Observer) token(s string) {
	if o.OnToken != nil && s != "" {
		o.OnToken(s)
	}
}

func (o Observer) reasoningToken(s string) {
	if o.OnReasoningToken != nil && s != "" {
		o.OnReasoningToken(s)
	}
}

func (o Observer) toolCall(call providers.ToolCall) {
	if o.OnToolCall != nil {
		o.OnToolCall(call)
	}
}

func (o Observer) toolProgress(call providers.ToolCall, p tools.Progress) {
	if o.OnToolProgress != nil {
		o.OnToolProgress(call, p)
	}
}

func (o Observer) toolResult(call providers.ToolCall, result string) {
	if o.OnToolResult != nil {
		o.OnToolResult(call, result)
	}
}

func (o Observer) toolComplete(call providers.ToolCall, elapsed time.Duration) {
	if o.OnToolComplete != nil {
		o.OnToolComplete(call, elapsed)
	}
}

func (o Observer) usage(u providers.Usage) {
	if o.OnUsage != nil {
		o.OnUsage(u)
	}
}

func (o Observer) summarization(summary string) {
	if o.OnSummarization != nil {
		o.OnSummarization(summary)
	}
}
