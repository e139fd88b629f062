package store

import (
	"context"
	"fmt"
	"time"

	"github.com/coveyhq/covey/internal/providers"
)

// RecordKind classifies one entry in a session log.
type RecordKind string

const (
	KindUser       RecordKind = "user"
	KindAssistant  RecordKind = "assistant"
	KindToolCall   RecordKind = "tool_call"
	KindToolResult RecordKind = "tool_result"
	KindSummary    RecordKind = "summary"
)

// MaxValueBytes caps stored content. Live sessions keep the full value; the
// log stores a truncated copy with a marker.
const MaxValueBytes = 50 * 1024

// Record is one append-only entry in a session's history log.
type Record struct {
	Time       time.Time            `json:"time"`
	Kind       RecordKind           `json:"kind"`
	Content    string               `json:"content,omitempty"`
	ToolName   string               `json:"tool_name,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	Usage      *providers.Usage     `json:"usage,omitempty"`
}

// SessionLog persists session records. Append is called on the hot path of
// the agent loop, so implementations should not block on anything slower
// than a local write.
type SessionLog interface {
	Append(ctx context.Context, key string, rec Record) error
	Replay(ctx context.Context, key string) ([]Record, error)
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Clamp returns a copy of rec with oversized values cut down to
// MaxValueBytes. Tool call argument strings are clamped individually.
func Clamp(rec Record) Record {
	rec.Content = clampString(rec.Content)
	if len(rec.ToolCalls) > 0 {
		calls := make([]providers.ToolCall, len(rec.ToolCalls))
		copy(calls, rec.ToolCalls)
		for i := range calls {
			calls[i].Arguments = clampString(calls[i].Arguments)
		}
		rec.ToolCalls = calls
	}
	return rec
}

func clampString(s string) string {
	if len(s) <= MaxValueBytes {
		return s
	}
	return s[:MaxValueBytes] + fmt.Sprintf("\n[truncated %d bytes]", len(s)-MaxValueBytes)
}
