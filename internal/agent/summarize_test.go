package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/sessions"
	"github.com/coveyhq/covey/internal/tools"
)

func seededSession(t *testing.T, exchanges int) *sessions.Session {
	t.Helper()
	sess := sessions.New("chat:test", "You are a coding agent.", nil)
	ctx := context.Background()
	for i := 0; i < exchanges; i++ {
		sess.AppendUser(ctx, "please do step "+strings.Repeat("x", i+1))
		sess.AppendAssistant(ctx, "did step", nil)
	}
	return sess
}

func TestCompactRewritesToThreeMessages(t *testing.T) {
	client := &fakeClient{script: []scripted{
		finalResponse("User asked for several steps; all completed.",
			&providers.Usage{PromptTokens: 900, CompletionTokens: 42, TotalTokens: 942}),
	}}
	s := NewSummarizer(client, "test-model", nil)
	sess := seededSession(t, 4)
	tracker := NewTokenTracker(1000)
	tracker.Observe(providers.Usage{TotalTokens: 950})

	summary, err := s.Compact(context.Background(), sess, tracker)
	if err != nil {
		t.Fatal(err)
	}
	if summary == "" {
		t.Fatal("no summary returned")
	}

	msgs := sess.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages after compaction = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "You are a coding agent." {
		t.Errorf("system message disturbed: %+v", msgs[0])
	}
	if msgs[1].Role != "user" ||
		!strings.HasPrefix(msgs[1].Content, "[CONVERSATION SUMMARY\n") ||
		!strings.HasSuffix(msgs[1].Content, "\nEND SUMMARY]") {
		t.Errorf("summary message malformed: %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[1].Content, "all completed") {
		t.Errorf("summary content missing: %q", msgs[1].Content)
	}
	if msgs[2].Role != "assistant" {
		t.Errorf("ack role = %s", msgs[2].Role)
	}

	// Tracker resets to the server-reported summary size, well under half.
	if tracker.Current() != 42 {
		t.Errorf("tracker = %d, want 42", tracker.Current())
	}
	if tracker.UsageFraction() > 0.5 {
		t.Errorf("usage fraction after compaction = %v", tracker.UsageFraction())
	}
}

func TestCompactRequestShape(t *testing.T) {
	client := &fakeClient{script: []scripted{
		finalResponse("summary", &providers.Usage{CompletionTokens: 10, TotalTokens: 800}),
	}}
	s := NewSummarizer(client, "summarizer-model", nil)
	sess := seededSession(t, 4)

	if _, err := s.Compact(context.Background(), sess, NewTokenTracker(1000)); err != nil {
		t.Fatal(err)
	}

	req := client.requests[0]
	if req.Model != "summarizer-model" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Tools) != 0 {
		t.Error("summarization request must not carry tools")
	}
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "summarizer") {
		t.Errorf("system prompt = %q", req.Messages[0].Content)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "Summarize") {
		t.Errorf("final turn = %+v", last)
	}
	// The session's own system prompt is replaced, not duplicated.
	for _, m := range req.Messages[1:] {
		if m.Role == "system" {
			t.Error("session system prompt leaked into summarization request")
		}
	}
}

func TestCompactSkipsShortSessions(t *testing.T) {
	client := &fakeClient{}
	s := NewSummarizer(client, "m", nil)
	sess := seededSession(t, 1) // 3 messages, below the floor

	summary, err := s.Compact(context.Background(), sess, NewTokenTracker(1000))
	if err != nil {
		t.Fatal(err)
	}
	if summary != "" {
		t.Error("short session was summarized")
	}
	if client.requestCount() != 0 {
		t.Error("completion issued for short session")
	}
}

func TestCompactFailureLeavesHistory(t *testing.T) {
	client := &fakeClient{script: []scripted{
		{err: errors.New("model unavailable")},
	}}
	s := NewSummarizer(client, "m", nil)
	sess := seededSession(t, 4)
	before := sess.Messages()
	tracker := NewTokenTracker(1000)
	tracker.Observe(providers.Usage{TotalTokens: 950})

	_, err := s.Compact(context.Background(), sess, tracker)
	if err == nil {
		t.Fatal("expected error")
	}

	after := sess.Messages()
	if len(after) != len(before) {
		t.Fatalf("history changed on failure: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if after[i].Content != before[i].Content || after[i].Role != before[i].Role {
			t.Errorf("message %d changed", i)
		}
	}
	if tracker.Current() != 950 {
		t.Errorf("tracker moved on failure: %d", tracker.Current())
	}
}

func TestLoopCompactsBeforeUserMessage(t *testing.T) {
	// First scripted response answers the summarization call, the second
	// answers the user turn.
	client := &fakeClient{script: []scripted{
		finalResponse("earlier work summarized",
			&providers.Usage{CompletionTokens: 30, TotalTokens: 700}),
		finalResponse("continuing from summary", &providers.Usage{TotalTokens: 120}),
	}}

	reg := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(reg, nil)
	sess := seededSession(t, 4)
	summarizer := NewSummarizer(client, "test-model", nil)
	loop := NewLoop(client, sess, reg, dispatcher, summarizer,
		Config{ModelID: "test-model", MaxContextLength: 1000}, Observer{}, nil)
	loop.Tracker().Observe(providers.Usage{TotalTokens: 950})

	content, err := loop.Run(context.Background(), "next step please")
	if err != nil {
		t.Fatal(err)
	}
	if content != "continuing from summary" {
		t.Errorf("content = %q", content)
	}

	// After the run: system, summary-user, ack, new user. The fresh user
	// message survived the compaction.
	msgs := sess.Messages()
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if !strings.Contains(msgs[1].Content, "earlier work summarized") {
		t.Errorf("summary missing: %q", msgs[1].Content)
	}
	if msgs[3].Role != "user" || msgs[3].Content != "next step please" {
		t.Errorf("user turn lost: %+v", msgs[3])
	}
	if loop.Tracker().Current() != 120 {
		t.Errorf("tracker = %d, want 120", loop.Tracker().Current())
	}
}
