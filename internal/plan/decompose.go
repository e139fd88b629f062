package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coveyhq/covey/internal/providers"
)

const decomposeSystemPrompt = `You are a software project planner. Break the user's request into subtasks for parallel coding agents.

Respond with a single JSON object and nothing else:
{
  "summary": "one-paragraph restatement of the goal",
  "subtasks": [
    {
      "id": "t1",
      "title": "short imperative title",
      "description": "what to do and how to verify it",
      "type": "code|test|research|docs|refactor|infra",
      "dependencies": ["ids of subtasks that must finish first"],
      "estimated_minutes": 15
    }
  ],
  "recommended_agent_count": 2,
  "risk_assessment": "one paragraph on what could go wrong"
}

Rules: ids unique; dependencies must reference listed ids and form no cycles; prefer 3-8 subtasks; independent subtasks should not depend on each other.`

// Decomposer turns a free-form request into a validated TaskPlan using the
// configured thinking model.
type Decomposer struct {
	client providers.ChatClient
	model  string
	logger *slog.Logger
}

func NewDecomposer(client providers.ChatClient, model string, logger *slog.Logger) *Decomposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decomposer{client: client, model: model, logger: logger}
}

// Decompose asks the model for a plan. Invalid JSON gets one repair round
// trip carrying the parse error back to the model; structural problems
// (cycles, unknown references) fail outright.
func (d *Decomposer) Decompose(ctx context.Context, request string) (*TaskPlan, error) {
	raw, err := d.complete(ctx, []providers.Message{
		{Role: "system", Content: decomposeSystemPrompt},
		{Role: "user", Content: request},
	})
	if err != nil {
		return nil, err
	}

	wire, perr := parseWirePlan(raw)
	if perr != nil {
		d.logger.Warn("decomposition JSON invalid, attempting repair", "error", perr)
		raw, err = d.complete(ctx, []providers.Message{
			{Role: "system", Content: decomposeSystemPrompt},
			{Role: "user", Content: request},
			{Role: "assistant", Content: raw},
			{Role: "user", Content: fmt.Sprintf(
				"Your response could not be parsed: %v. Reply again with only the corrected JSON object.", perr)},
		})
		if err != nil {
			return nil, err
		}
		wire, perr = parseWirePlan(raw)
		if perr != nil {
			return nil, fmt.Errorf("decomposition produced invalid JSON after repair: %w", perr)
		}
	}

	p := wire.toPlan(request)
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("decomposition produced an invalid plan: %w", err)
	}
	return p, nil
}

func (d *Decomposer) complete(ctx context.Context, messages []providers.Message) (string, error) {
	resp, err := d.client.Chat(ctx, providers.ChatRequest{
		Model:    d.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("decomposition completion: %w", err)
	}
	if resp.Content == "" {
		return "", fmt.Errorf("decomposition returned empty content")
	}
	return resp.Content, nil
}

type wirePlan struct {
	Summary               string        `json:"summary"`
	Subtasks              []wireSubtask `json:"subtasks"`
	RecommendedAgentCount int           `json:"recommended_agent_count"`
	RiskAssessment        string        `json:"risk_assessment"`
}

type wireSubtask struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Type             string   `json:"type"`
	Dependencies     []string `json:"dependencies"`
	EstimatedMinutes int      `json:"estimated_minutes"`
}

func parseWirePlan(raw string) (*wirePlan, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	var wire wirePlan
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, err
	}
	if len(wire.Subtasks) == 0 {
		return nil, fmt.Errorf("plan contains no subtasks")
	}
	return &wire, nil
}

// extractJSON tolerates Markdown code fences and prose around the payload:
// it returns the outermost brace-delimited object.
func extractJSON(s string) string {
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = rest[:j]
		} else {
			s = rest
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// toPlan normalises ids, remaps dependencies, clamps the agent count, and
// stamps identity and timestamps.
func (w *wirePlan) toPlan(request string) *TaskPlan {
	idMap := make(map[string]string, len(w.Subtasks))
	used := make(map[string]bool, len(w.Subtasks))

	normalise := func(raw string, index int) string {
		id := strings.ToLower(strings.TrimSpace(raw))
		id = strings.ReplaceAll(id, " ", "_")
		if id == "" {
			id = fmt.Sprintf("t%d", index+1)
		}
		for base, n := id, 2; used[id]; n++ {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		used[id] = true
		return id
	}

	// normIDs is positional so duplicated raw ids still come out unique;
	// dependencies on a duplicated id resolve to its first occurrence.
	normIDs := make([]string, len(w.Subtasks))
	for i, st := range w.Subtasks {
		normIDs[i] = normalise(st.ID, i)
		if _, seen := idMap[st.ID]; !seen {
			idMap[st.ID] = normIDs[i]
		}
	}

	now := time.Now().UTC()
	p := &TaskPlan{
		TaskID:                uuid.NewString(),
		OriginalRequest:       request,
		Summary:               w.Summary,
		RecommendedAgentCount: clampAgents(w.RecommendedAgentCount),
		RiskAssessment:        w.RiskAssessment,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	for i, st := range w.Subtasks {
		deps := make([]string, 0, len(st.Dependencies))
		for _, dep := range st.Dependencies {
			if mapped, ok := idMap[dep]; ok {
				deps = append(deps, mapped)
			} else {
				deps = append(deps, dep) // unknown reference, Validate rejects it
			}
		}
		p.Subtasks = append(p.Subtasks, &Subtask{
			ID:               normIDs[i],
			Title:            st.Title,
			Description:      st.Description,
			Type:             normaliseType(st.Type),
			Dependencies:     deps,
			EstimatedMinutes: st.EstimatedMinutes,
			Status:           StatusPending,
		})
	}
	return p
}

func clampAgents(n int) int {
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}

func normaliseType(t string) SubtaskType {
	switch SubtaskType(strings.ToLower(strings.TrimSpace(t))) {
	case TypeCode, TypeTest, TypeResearch, TypeDocs, TypeRefactor, TypeInfra:
		return SubtaskType(strings.ToLower(strings.TrimSpace(t)))
	default:
		return TypeCode
	}
}
