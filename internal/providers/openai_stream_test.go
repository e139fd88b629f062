package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// sse joins payloads into an SSE body, one data line per frame.
func sse(frames ...string) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestReadStreamContent(t *testing.T) {
	body := sse(
		`{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)

	var tokens []string
	resp, err := readStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) {
		if ev.Type == StreamContent {
			tokens = append(tokens, ev.Content)
		}
	})
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("content = %q, want %q", resp.Content, "Hello")
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", resp.FinishReason)
	}
	if got := strings.Join(tokens, "|"); got != "Hel|lo" {
		t.Errorf("token events = %q, want Hel|lo", got)
	}
}

func TestReadStreamFragmentedToolCall(t *testing.T) {
	// Argument fragments only form valid JSON once concatenated.
	body := sse(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"p"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ath\":\"a.txt\""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)

	var starts, fragments int
	resp, err := readStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) {
		switch ev.Type {
		case StreamToolCallStart:
			starts++
		case StreamToolCallArgs:
			fragments++
		}
	})
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "read_file" {
		t.Errorf("tool call = %q/%q, want call_1/read_file", tc.ID, tc.Name)
	}
	if tc.Arguments != `{"path":"a.txt"}` {
		t.Errorf("arguments = %q, want %q", tc.Arguments, `{"path":"a.txt"}`)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", resp.FinishReason)
	}
	if starts != 1 {
		t.Errorf("start events = %d, want 1", starts)
	}
	if fragments != 3 {
		t.Errorf("fragment events = %d, want 3", fragments)
	}
}

func TestReadStreamMultipleToolCallsOrdered(t *testing.T) {
	// Sparse server indexes still come back sorted by index.
	body := sse(
		`{"choices":[{"delta":{"tool_calls":[{"index":2,"id":"call_b","function":{"name":"write_file","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"read_file","arguments":"{}"}}]}}]}`,
		`[DONE]`,
	)

	resp, err := readStream(context.Background(), strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "call_a" || resp.ToolCalls[1].ID != "call_b" {
		t.Errorf("order = %s,%s, want call_a,call_b", resp.ToolCalls[0].ID, resp.ToolCalls[1].ID)
	}
}

func TestReadStreamLateNameAndID(t *testing.T) {
	body := sse(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"list_dir","arguments":"{\"path\":\".\"}"}}]}}]}`,
		`[DONE]`,
	)

	resp, err := readStream(context.Background(), strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_9" || tc.Name != "list_dir" {
		t.Errorf("tool call = %q/%q, want call_9/list_dir", tc.ID, tc.Name)
	}
}

func TestReadStreamMalformedFrame(t *testing.T) {
	body := sse(
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`{this is not json`,
		`[DONE]`,
	)

	_, err := readStream(context.Background(), strings.NewReader(body), nil)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestReadStreamTruncated(t *testing.T) {
	t.Run("partial tool calls fail", func(t *testing.T) {
		body := sse(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`,
		)
		_, err := readStream(context.Background(), strings.NewReader(body), nil)
		if !errors.Is(err, ErrTruncatedStream) {
			t.Fatalf("err = %v, want ErrTruncatedStream", err)
		}
	})

	t.Run("content-only stream survives", func(t *testing.T) {
		body := sse(`{"choices":[{"delta":{"content":"partial answer"}}]}`)
		resp, err := readStream(context.Background(), strings.NewReader(body), nil)
		if err != nil {
			t.Fatalf("readStream: %v", err)
		}
		if resp.Content != "partial answer" {
			t.Errorf("content = %q", resp.Content)
		}
	})

	t.Run("empty stream fails", func(t *testing.T) {
		_, err := readStream(context.Background(), strings.NewReader(""), nil)
		if !errors.Is(err, ErrTruncatedStream) {
			t.Fatalf("err = %v, want ErrTruncatedStream", err)
		}
	})
}

func TestReadStreamUsage(t *testing.T) {
	body := sse(
		`{"choices":[{"delta":{"content":"hi"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":120,"completion_tokens":8,"total_tokens":128}}`,
		`[DONE]`,
	)

	var usageEvents int
	resp, err := readStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) {
		if ev.Type == StreamUsage {
			usageEvents++
		}
	})
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 128 {
		t.Fatalf("usage = %+v, want total 128", resp.Usage)
	}
	if usageEvents != 1 {
		t.Errorf("usage events = %d, want 1", usageEvents)
	}
}

func TestReadStreamReasoningSeparateFromContent(t *testing.T) {
	body := sse(
		`{"choices":[{"delta":{"reasoning_content":"thinking..."}}]}`,
		`{"choices":[{"delta":{"content":"answer"}}]}`,
		`[DONE]`,
	)

	var reasoning string
	resp, err := readStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) {
		if ev.Type == StreamReasoning {
			reasoning += ev.Content
		}
	})
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if resp.Content != "answer" {
		t.Errorf("content = %q, want answer only", resp.Content)
	}
	if resp.Reasoning != "thinking..." || reasoning != "thinking..." {
		t.Errorf("reasoning = %q / relayed %q", resp.Reasoning, reasoning)
	}
}

func TestReadStreamDoneEventLast(t *testing.T) {
	body := sse(
		`{"choices":[{"delta":{"content":"x"}}]}`,
		`[DONE]`,
	)

	var order []StreamEventType
	_, err := readStream(context.Background(), strings.NewReader(body), func(ev StreamEvent) {
		order = append(order, ev.Type)
	})
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if len(order) == 0 || order[len(order)-1] != StreamDone {
		t.Errorf("event order = %v, want done last", order)
	}
}

func TestReadStreamIgnoresNonDataLines(t *testing.T) {
	body := ": keep-alive comment\n\nevent: message\ndata: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n"

	resp, err := readStream(context.Background(), strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}
