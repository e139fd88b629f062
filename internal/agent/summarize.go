package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/sessions"
)

const summarizeSystemPrompt = `You are a conversation summarizer. Produce a dense, factual summary of the conversation so far. Capture: the user's goals, decisions made, files and commands involved, tool results that matter for continuing the work, and any unresolved questions. Write plain prose. Do not address the user. Do not add commentary.`

// minMessagesForSummary keeps short conversations out of the summarizer:
// below this there is nothing worth compacting.
const minMessagesForSummary = 6

// Summarizer compacts a session's history into the three-message form when
// the tracker crosses its threshold.
type Summarizer struct {
	client providers.ChatClient
	model  string
	logger *slog.Logger
}

func NewSummarizer(client providers.ChatClient, model string, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{client: client, model: model, logger: logger}
}

// Compact summarises sess and rewrites its history. On any failure the
// session is left exactly as it was. Returns the summary text when a
// compaction happened, or "" when it was skipped.
func (s *Summarizer) Compact(ctx context.Context, sess *sessions.Session, tracker *TokenTracker) (string, error) {
	history := sess.Messages()
	if len(history) < minMessagesForSummary {
		return "", nil
	}

	req := providers.ChatRequest{
		Model:    s.model,
		Messages: summarizeRequestMessages(history),
	}

	resp, err := s.client.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summarization completion: %w", err)
	}
	if resp.Content == "" {
		return "", fmt.Errorf("summarization returned empty content")
	}

	if err := sess.CompactWithSummary(ctx, resp.Content); err != nil {
		return "", fmt.Errorf("persist summary: %w", err)
	}

	newSize := 0
	if resp.Usage != nil {
		newSize = resp.Usage.CompletionTokens
	}
	tracker.Reset(newSize)

	s.logger.Info("session summarized",
		"session", sess.Key(),
		"messages_before", len(history),
		"summary_tokens", newSize,
	)
	return resp.Content, nil
}

// summarizeRequestMessages builds the non-streaming, tool-free request:
// the summarizer persona replaces the session's own system prompt, the
// conversation follows as-is, and a final user turn asks for the summary.
func summarizeRequestMessages(history []providers.Message) []providers.Message {
	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: summarizeSystemPrompt})

	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		messages = append(messages, m)
	}

	messages = append(messages, providers.Message{
		Role:    "user",
		Content: "Summarize the conversation above.",
	})
	return messages
}
