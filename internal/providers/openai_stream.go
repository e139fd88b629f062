package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// toolCallAccumulator assembles one streamed tool call. The server fans a
// call out over many frames: the first frame for an index carries id and
// name, later frames append argument fragments that only form valid JSON
// once concatenated.
type toolCallAccumulator struct {
	id      string
	name    string
	rawArgs strings.Builder
}

// readStream drives the SSE frame loop and produces both the event stream
// (via onEvent) and the assembled response. A data line that is not valid
// JSON fails the whole turn; silently skipping frames would desynchronise
// tool-call assembly.
func readStream(ctx context.Context, body io.Reader, onEvent func(StreamEvent)) (*ChatResponse, error) {
	emit := func(ev StreamEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	result := &ChatResponse{FinishReason: "stop"}
	accumulators := make(map[int]*toolCallAccumulator)
	sawDone := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line for large argument frames

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("%w: %.120q", ErrMalformedFrame, data)
		}

		if chunk.Usage != nil {
			result.Usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
			emit(StreamEvent{Type: StreamUsage, Usage: result.Usage})
		}

		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			result.Reasoning += delta.ReasoningContent
			emit(StreamEvent{Type: StreamReasoning, Content: delta.ReasoningContent})
		}
		if delta.Content != "" {
			result.Content += delta.Content
			emit(StreamEvent{Type: StreamContent, Content: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{
					id:   tc.ID,
					name: strings.TrimSpace(tc.Function.Name),
				}
				accumulators[tc.Index] = acc
				emit(StreamEvent{
					Type:     StreamToolCallStart,
					Index:    tc.Index,
					ToolID:   acc.id,
					ToolName: acc.name,
				})
			}
			// id and name may trickle in after the slot opened.
			if tc.ID != "" && acc.id == "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = strings.TrimSpace(tc.Function.Name)
			}
			if tc.Function.Arguments != "" {
				acc.rawArgs.WriteString(tc.Function.Arguments)
				emit(StreamEvent{
					Type:         StreamToolCallArgs,
					Index:        tc.Index,
					ArgsFragment: tc.Function.Arguments,
				})
			}
		}

		if fr := chunk.Choices[0].FinishReason; fr != "" {
			result.FinishReason = fr
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if !sawDone {
		// A stream that dropped mid-flight with tool calls pending cannot
		// be trusted; the fragments may be incomplete JSON. Accumulated
		// content alone still serves as a final answer.
		if len(accumulators) > 0 || result.Content == "" {
			return nil, ErrTruncatedStream
		}
	}

	// Emit assembled calls in server index order; indexes may be sparse.
	indexes := make([]int, 0, len(accumulators))
	for idx := range accumulators {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		acc := accumulators[idx]
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: acc.rawArgs.String(),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	emit(StreamEvent{Type: StreamDone})
	return result, nil
}

// Wire shape of one streamed frame.
type wireStreamChunk struct {
	Choices []struct {
		Delta struct {
			Role             string         `json:"role"`
			Content          string         `json:"content"`
			ReasoningContent string         `json:"reasoning_content"`
			ToolCalls        []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}
