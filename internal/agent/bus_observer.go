package agent

import (
	"time"

	"github.com/coveyhq/covey/internal/bus"
	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/tools"
	"github.com/coveyhq/covey/pkg/protocol"
)

const busResultLimit = 2000

// BusObserver bridges loop events onto the message bus so SSE and WebSocket
// subscribers can follow a run. jobID and agentID tag every event; either
// may be empty.
func BusObserver(pub bus.EventPublisher, jobID, agentID string) Observer {
	emit := func(name string, payload any) {
		pub.Broadcast(bus.Event{Name: name, JobID: jobID, AgentID: agentID, Payload: payload})
	}
	return Observer{
		OnToken: func(token string) {
			emit(protocol.ChatEventChunk, map[string]any{"content": token})
		},
		OnReasoningToken: func(token string) {
			emit(protocol.ChatEventThinking, map[string]any{"content": token})
		},
		OnToolCall: func(call providers.ToolCall) {
			emit(protocol.AgentEventToolCall, map[string]any{
				"id":   call.ID,
				"name": call.Name,
			})
		},
		OnToolProgress: func(call providers.ToolCall, p tools.Progress) {
			emit(protocol.AgentEventToolProgress, map[string]any{
				"id":         call.ID,
				"name":       p.Tool,
				"status":     p.Status,
				"elapsed_ms": p.Elapsed.Milliseconds(),
				"message":    p.Message,
			})
		},
		OnToolResult: func(call providers.ToolCall, result string) {
			if len(result) > busResultLimit {
				result = result[:busResultLimit] + "..."
			}
			emit(protocol.AgentEventToolResult, map[string]any{
				"id":     call.ID,
				"name":   call.Name,
				"result": result,
			})
		},
		OnToolComplete: func(call providers.ToolCall, elapsed time.Duration) {
			emit(protocol.AgentEventToolProgress, map[string]any{
				"id":         call.ID,
				"name":       call.Name,
				"status":     tools.ProgressCompleted,
				"elapsed_ms": elapsed.Milliseconds(),
			})
		},
		OnUsage: func(u providers.Usage) {
			emit(protocol.AgentEventUsage, map[string]any{
				"prompt_tokens":     u.PromptTokens,
				"completion_tokens": u.CompletionTokens,
				"total_tokens":      u.TotalTokens,
			})
		},
		OnSummarization: func(summary string) {
			if len(summary) > busResultLimit {
				summary = summary[:busResultLimit] + "..."
			}
			emit(protocol.AgentEventSummarized, map[string]any{"summary": summary})
		},
	}
}
