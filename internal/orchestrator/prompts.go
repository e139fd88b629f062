package orchestrator

import (
	"fmt"
	"strings"

	"github.com/coveyhq/covey/internal/plan"
)

const workerPromptBase = `You are a focused software agent completing one subtask of a larger plan.

Guidelines:
1. Work only on the assigned subtask; other agents handle the rest of the plan.
2. Use tools as needed and verify your work before finishing.
3. Make reasonable assumptions instead of asking for clarification.
4. Finish with a short summary of what you did and anything the next subtask should know.`

func systemPromptFor(t plan.SubtaskType) string {
	var role string
	switch t {
	case plan.TypeCode:
		role = "You write production-quality code: small focused changes, existing conventions, no drive-by refactors."
	case plan.TypeTest:
		role = "You write and run tests: cover the behaviour the subtask names, prefer table-driven cases, report failures honestly."
	case plan.TypeResearch:
		role = "You investigate and report: read code and documentation, answer the question asked, cite the files you used."
	case plan.TypeDocs:
		role = "You write documentation: accurate, concise, matching the project's existing voice."
	case plan.TypeRefactor:
		role = "You refactor: behaviour-preserving changes only, keep the tests green, note anything risky you deliberately left alone."
	case plan.TypeInfra:
		role = "You handle build and infrastructure work: scripts, CI, configuration. Keep changes minimal and reversible."
	default:
		role = "You write production-quality code."
	}
	return workerPromptBase + "\n\n" + role
}

// userPromptFor assembles the worker's task message: the subtask itself,
// result summaries from its dependencies, then the global plan context.
func userPromptFor(p *plan.TaskPlan, st *plan.Subtask) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Your subtask (%s)\n\n%s\n\n%s\n", st.ID, st.Title, st.Description)

	if len(st.Dependencies) > 0 {
		fmt.Fprintf(&b, "\n## Completed dependencies\n")
		for _, dep := range st.Dependencies {
			d, ok := p.Subtask(dep)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "\n### %s: %s\n", d.ID, d.Title)
			switch {
			case d.Status == plan.StatusFailed:
				fmt.Fprintf(&b, "This dependency FAILED: %s\nWork around the gap and note it in your summary.\n", d.Error)
			case d.ResultSummary != "":
				fmt.Fprintf(&b, "%s\n", d.ResultSummary)
			default:
				fmt.Fprintf(&b, "No result summary was recorded.\n")
			}
		}
	}

	fmt.Fprintf(&b, "\n## Plan context\n\nOverall goal: %s\n", p.OriginalRequest)
	if p.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", p.Summary)
	}
	return b.String()
}
