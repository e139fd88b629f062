package protocol

// Frame types carried on SSE data lines and WebSocket text messages. One
// flat namespace: the frame's Type field holds one of these verbatim.
const (
	// Server lifecycle.
	EventSchedule = "schedule"
	EventShutdown = "shutdown"

	// Job lifecycle. Payload: {status, error?}.
	EventJobStatus = "job.status"

	// Agent run events emitted while a loop drives a job or subtask.
	AgentEventToolCall     = "tool.call"
	AgentEventToolProgress = "tool.progress"
	AgentEventToolResult   = "tool.result"
	AgentEventUsage        = "usage"
	AgentEventSummarized   = "summarized"

	// Token-level stream events. Payload: {content}.
	ChatEventChunk    = "chat.chunk"
	ChatEventThinking = "chat.thinking"
)
