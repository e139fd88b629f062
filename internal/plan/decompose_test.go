package plan

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/coveyhq/covey/internal/providers"
)

// scriptedClient replays canned completion contents in order and records
// every request it saw.
type scriptedClient struct {
	responses []string
	requests  []providers.ChatRequest
}

func (c *scriptedClient) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	c.requests = append(c.requests, req)
	i := len(c.requests) - 1
	if i >= len(c.responses) {
		return nil, fmt.Errorf("unexpected request %d", i)
	}
	return &providers.ChatResponse{Content: c.responses[i], FinishReason: "stop"}, nil
}

func (c *scriptedClient) ChatStream(ctx context.Context, req providers.ChatRequest, onEvent func(providers.StreamEvent)) (*providers.ChatResponse, error) {
	return nil, fmt.Errorf("decomposer must not stream")
}

const validPlanJSON = `{
  "summary": "Add a rate limiter to the gateway.",
  "subtasks": [
    {"id": "t1", "title": "Write limiter", "description": "Token bucket per IP.", "type": "code", "dependencies": [], "estimated_minutes": 30},
    {"id": "t2", "title": "Test limiter", "description": "Unit tests for refill and burst.", "type": "test", "dependencies": ["t1"], "estimated_minutes": 20}
  ],
  "recommended_agent_count": 2,
  "risk_assessment": "Clock skew in tests."
}`

func TestDecomposeParsesPlan(t *testing.T) {
	client := &scriptedClient{responses: []string{validPlanJSON}}
	d := NewDecomposer(client, "thinker", nil)

	p, err := d.Decompose(context.Background(), "add rate limiting")
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if p.TaskID == "" {
		t.Error("expected a generated task id")
	}
	if p.OriginalRequest != "add rate limiting" {
		t.Errorf("original request = %q", p.OriginalRequest)
	}
	if len(p.Subtasks) != 2 {
		t.Fatalf("got %d subtasks, want 2", len(p.Subtasks))
	}
	for _, st := range p.Subtasks {
		if st.Status != StatusPending {
			t.Errorf("subtask %s status = %s, want Pending", st.ID, st.Status)
		}
	}
	if got := p.Subtasks[1].Dependencies; len(got) != 1 || got[0] != "t1" {
		t.Errorf("t2 dependencies = %v", got)
	}
	if p.RecommendedAgentCount != 2 {
		t.Errorf("recommended agents = %d", p.RecommendedAgentCount)
	}

	if len(client.requests) != 1 {
		t.Fatalf("made %d requests, want 1", len(client.requests))
	}
	req := client.requests[0]
	if req.Model != "thinker" {
		t.Errorf("model = %q, want thinker", req.Model)
	}
	if len(req.Tools) != 0 {
		t.Errorf("decomposition request must not carry tools, got %d", len(req.Tools))
	}
}

func TestDecomposeStripsFences(t *testing.T) {
	fenced := "Here is the plan you asked for:\n```json\n" + validPlanJSON + "\n```\nLet me know if it needs changes."
	client := &scriptedClient{responses: []string{fenced}}
	d := NewDecomposer(client, "thinker", nil)

	p, err := d.Decompose(context.Background(), "add rate limiting")
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if len(p.Subtasks) != 2 {
		t.Fatalf("got %d subtasks, want 2", len(p.Subtasks))
	}
	if len(client.requests) != 1 {
		t.Errorf("fenced payload should not trigger the repair round trip")
	}
}

func TestDecomposeNormalisesIDs(t *testing.T) {
	raw := `{
	  "summary": "s",
	  "subtasks": [
	    {"id": "Step 1", "title": "a", "description": "d", "type": "code", "dependencies": []},
	    {"id": "", "title": "b", "description": "d", "type": "test", "dependencies": ["Step 1"]},
	    {"id": "step_1", "title": "c", "description": "d", "type": "docs", "dependencies": []}
	  ],
	  "recommended_agent_count": 1,
	  "risk_assessment": "r"
	}`
	client := &scriptedClient{responses: []string{raw}}
	d := NewDecomposer(client, "thinker", nil)

	p, err := d.Decompose(context.Background(), "req")
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	ids := []string{p.Subtasks[0].ID, p.Subtasks[1].ID, p.Subtasks[2].ID}
	if ids[0] != "step_1" {
		t.Errorf("first id = %q, want step_1", ids[0])
	}
	if ids[1] != "t2" {
		t.Errorf("empty id = %q, want t2", ids[1])
	}
	if ids[2] == ids[0] {
		t.Errorf("colliding id was not made unique: %q", ids[2])
	}
	if got := p.Subtasks[1].Dependencies[0]; got != "step_1" {
		t.Errorf("dependency not remapped, got %q", got)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("normalised plan should validate: %v", err)
	}
}

func TestDecomposeDuplicateRawIDs(t *testing.T) {
	raw := `{
	  "summary": "s",
	  "subtasks": [
	    {"id": "x", "title": "a", "description": "d", "type": "code", "dependencies": []},
	    {"id": "x", "title": "b", "description": "d", "type": "code", "dependencies": []},
	    {"id": "y", "title": "c", "description": "d", "type": "test", "dependencies": ["x"]}
	  ],
	  "recommended_agent_count": 1,
	  "risk_assessment": "r"
	}`
	client := &scriptedClient{responses: []string{raw}}

	p, err := NewDecomposer(client, "m", nil).Decompose(context.Background(), "req")
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if p.Subtasks[0].ID == p.Subtasks[1].ID {
		t.Errorf("duplicate raw ids must diverge, both %q", p.Subtasks[0].ID)
	}
	if got := p.Subtasks[2].Dependencies[0]; got != p.Subtasks[0].ID {
		t.Errorf("dependency on duplicated id = %q, want first occurrence %q", got, p.Subtasks[0].ID)
	}
}

func TestDecomposeClampsAgentCount(t *testing.T) {
	for _, tc := range []struct {
		in, want int
	}{
		{20, 8},
		{0, 1},
		{-3, 1},
		{5, 5},
	} {
		raw := fmt.Sprintf(`{"summary":"s","subtasks":[{"id":"t1","title":"a","description":"d","type":"code","dependencies":[]}],"recommended_agent_count":%d,"risk_assessment":"r"}`, tc.in)
		client := &scriptedClient{responses: []string{raw}}
		p, err := NewDecomposer(client, "m", nil).Decompose(context.Background(), "req")
		if err != nil {
			t.Fatalf("Decompose(%d): %v", tc.in, err)
		}
		if p.RecommendedAgentCount != tc.want {
			t.Errorf("agent count %d clamped to %d, want %d", tc.in, p.RecommendedAgentCount, tc.want)
		}
	}
}

func TestDecomposeRejectsCycle(t *testing.T) {
	raw := `{"summary":"s","subtasks":[
	  {"id":"t1","title":"a","description":"d","type":"code","dependencies":["t2"]},
	  {"id":"t2","title":"b","description":"d","type":"code","dependencies":["t1"]}
	],"recommended_agent_count":1,"risk_assessment":"r"}`
	client := &scriptedClient{responses: []string{raw}}

	_, err := NewDecomposer(client, "m", nil).Decompose(context.Background(), "req")
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if len(client.requests) != 1 {
		t.Errorf("structural errors must not trigger the JSON repair retry, made %d requests", len(client.requests))
	}
}

func TestDecomposeUnknownDependency(t *testing.T) {
	raw := `{"summary":"s","subtasks":[
	  {"id":"t1","title":"a","description":"d","type":"code","dependencies":["ghost"]}
	],"recommended_agent_count":1,"risk_assessment":"r"}`
	client := &scriptedClient{responses: []string{raw}}

	_, err := NewDecomposer(client, "m", nil).Decompose(context.Background(), "req")
	if err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected unknown-dependency error, got %v", err)
	}
}

func TestDecomposeRepairRetry(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"Sure! The plan is: do the thing first, then test it.",
		validPlanJSON,
	}}
	d := NewDecomposer(client, "thinker", nil)

	p, err := d.Decompose(context.Background(), "req")
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if len(p.Subtasks) != 2 {
		t.Fatalf("got %d subtasks after repair, want 2", len(p.Subtasks))
	}
	if len(client.requests) != 2 {
		t.Fatalf("made %d requests, want 2", len(client.requests))
	}

	repair := client.requests[1].Messages
	if got := repair[len(repair)-1]; got.Role != "user" || !strings.Contains(got.Content, "could not be parsed") {
		t.Errorf("repair prompt missing parse feedback: role=%s content=%q", got.Role, got.Content)
	}
	if got := repair[len(repair)-2]; got.Role != "assistant" || !strings.Contains(got.Content, "Sure!") {
		t.Errorf("repair prompt should carry the bad response back, got role=%s", got.Role)
	}
}

func TestDecomposeRepairFailureErrors(t *testing.T) {
	client := &scriptedClient{responses: []string{"not json", "still not json"}}

	_, err := NewDecomposer(client, "thinker", nil).Decompose(context.Background(), "req")
	if err == nil || !strings.Contains(err.Error(), "after repair") {
		t.Fatalf("expected repair failure error, got %v", err)
	}
	if len(client.requests) != 2 {
		t.Errorf("made %d requests, want exactly 2", len(client.requests))
	}
}

func TestExtractJSON(t *testing.T) {
	for name, tc := range map[string]struct {
		in, want string
	}{
		"bare":          {`{"a":1}`, `{"a":1}`},
		"fenced":        {"```json\n{\"a\":1}\n```", `{"a":1}`},
		"fenceNoLang":   {"```\n{\"a\":1}\n```", `{"a":1}`},
		"prose":         {"plan follows {\"a\":1} done", `{"a":1}`},
		"unterminated":  {"```json\n{\"a\":1}", `{"a":1}`},
		"nothing":       {"no braces here", ""},
		"reversedBrace": {"} {", ""},
	} {
		t.Run(name, func(t *testing.T) {
			if got := extractJSON(tc.in); got != tc.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
