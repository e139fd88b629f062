package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/store"
)

// ErrBusy is returned when input arrives while the session is already
// driving a completion. Callers queue or reject; the session never
// interleaves two runs.
var ErrBusy = errors.New("session is processing another request")

const (
	summaryPrefix = "[CONVERSATION SUMMARY\n"
	summarySuffix = "\nEND SUMMARY]"
	summaryAck    = "Understood. I have the context from the summary and will continue from there."
)

// Session is the live conversation state for one key. All methods are safe
// for concurrent use; the processing guard serialises whole runs.
type Session struct {
	key string
	log store.SessionLog

	mu         sync.Mutex
	processing bool
	messages   []providers.Message
}

// New creates an empty session seeded with a system prompt. The log may be
// nil for throwaway sessions.
func New(key, systemPrompt string, log store.SessionLog) *Session {
	return &Session{
		key: key,
		log: log,
		messages: []providers.Message{
			{Role: "system", Content: systemPrompt},
		},
	}
}

// Resume rebuilds a session from its log. A summary record collapses
// everything before it into the canonical three-message form. When the log
// holds nothing, the session starts fresh with systemPrompt.
func Resume(ctx context.Context, key, systemPrompt string, log store.SessionLog) (*Session, error) {
	s := New(key, systemPrompt, log)
	if log == nil {
		return s, nil
	}

	records, err := log.Replay(ctx, key)
	if err != nil {
		return nil, err
	}
	s.messages = buildMessages(records, systemPrompt)
	return s, nil
}

// buildMessages converts replayed records into the in-memory message list.
func buildMessages(records []store.Record, systemPrompt string) []providers.Message {
	messages := []providers.Message{{Role: "system", Content: systemPrompt}}

	for _, rec := range records {
		switch rec.Kind {
		case store.KindUser:
			messages = append(messages, providers.Message{Role: "user", Content: rec.Content})
		case store.KindAssistant:
			messages = append(messages, providers.Message{Role: "assistant", Content: rec.Content})
		case store.KindToolCall:
			messages = append(messages, providers.Message{
				Role:      "assistant",
				Content:   rec.Content,
				ToolCalls: rec.ToolCalls,
			})
		case store.KindToolResult:
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    rec.Content,
				ToolCallID: rec.ToolCallID,
				Name:       rec.ToolName,
			})
		case store.KindSummary:
			messages = summaryMessages(systemPrompt, rec.Content)
		default:
			slog.Warn("skipping unknown session record kind", "kind", string(rec.Kind))
		}
	}
	return messages
}

func summaryMessages(systemPrompt, summary string) []providers.Message {
	return []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: summaryPrefix + summary + summarySuffix},
		{Role: "assistant", Content: summaryAck},
	}
}

func (s *Session) Key() string { return s.key }

// BeginProcessing marks the session as driving a run. Returns ErrBusy when
// a run is already active.
func (s *Session) BeginProcessing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return ErrBusy
	}
	s.processing = true
	return nil
}

func (s *Session) EndProcessing() {
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
}

// Processing reports whether a run is currently active.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Messages returns a copy of the current message list.
func (s *Session) Messages() []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]providers.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages including the system prompt.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// SystemPrompt returns the current system message content.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 && s.messages[0].Role == "system" {
		return s.messages[0].Content
	}
	return ""
}

// AppendUser adds a user message and logs it.
func (s *Session) AppendUser(ctx context.Context, content string) {
	s.append(ctx, providers.Message{Role: "user", Content: content}, store.Record{
		Kind:    store.KindUser,
		Content: content,
	})
}

// AppendAssistant adds a final assistant message and logs it.
func (s *Session) AppendAssistant(ctx context.Context, content string, usage *providers.Usage) {
	s.append(ctx, providers.Message{Role: "assistant", Content: content}, store.Record{
		Kind:    store.KindAssistant,
		Content: content,
		Usage:   usage,
	})
}

// AppendToolCalls adds an assistant message that requests tool executions.
func (s *Session) AppendToolCalls(ctx context.Context, content string, calls []providers.ToolCall) {
	s.append(ctx, providers.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: calls,
	}, store.Record{
		Kind:      store.KindToolCall,
		Content:   content,
		ToolCalls: calls,
	})
}

// AppendToolResult adds the result message for one tool call. The live
// session keeps result verbatim; the log clamps oversized values.
func (s *Session) AppendToolResult(ctx context.Context, call providers.ToolCall, result string) {
	s.append(ctx, providers.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: call.ID,
		Name:       call.Name,
	}, store.Record{
		Kind:       store.KindToolResult,
		Content:    result,
		ToolName:   call.Name,
		ToolCallID: call.ID,
	})
}

// CompactWithSummary atomically replaces the history with the three-message
// summary form and logs a summary record. Later replays collapse to the
// same shape.
func (s *Session) CompactWithSummary(ctx context.Context, summary string) error {
	s.mu.Lock()
	systemPrompt := ""
	if len(s.messages) > 0 && s.messages[0].Role == "system" {
		systemPrompt = s.messages[0].Content
	}
	s.messages = summaryMessages(systemPrompt, summary)
	s.mu.Unlock()

	if s.log == nil {
		return nil
	}
	return s.log.Append(ctx, s.key, store.Record{
		Time:    time.Now().UTC(),
		Kind:    store.KindSummary,
		Content: summary,
	})
}

func (s *Session) append(ctx context.Context, msg providers.Message, rec store.Record) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	if s.log == nil {
		return
	}
	rec.Time = time.Now().UTC()
	if err := s.log.Append(ctx, s.key, rec); err != nil {
		slog.Warn("failed to persist session record", "session", s.key, "kind", string(rec.Kind), "error", err)
	}
}
