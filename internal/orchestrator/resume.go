package orchestrator

import "github.com/coveyhq/covey/internal/plan"

// MarkInterrupted flips InProgress subtasks to Interrupted. Call it on a
// freshly loaded plan: work left InProgress belongs to a run that no
// longer exists.
func MarkInterrupted(p *plan.TaskPlan) int {
	n := 0
	for _, st := range p.Subtasks {
		if st.Status == plan.StatusInProgress {
			st.Status = plan.StatusInterrupted
			n++
		}
	}
	return n
}

// Reset returns every subtask to Pending and clears prior outcomes.
func Reset(p *plan.TaskPlan) int {
	for _, st := range p.Subtasks {
		st.Status = plan.StatusPending
		st.AssignedAgentID = ""
		st.ResultSummary = ""
		st.Error = ""
	}
	return len(p.Subtasks)
}

// Retry returns Failed, Blocked and Interrupted subtasks to Pending so a
// new run picks them up; completed work is kept.
func Retry(p *plan.TaskPlan) int {
	n := 0
	for _, st := range p.Subtasks {
		switch st.Status {
		case plan.StatusFailed, plan.StatusBlocked, plan.StatusInterrupted:
			st.Status = plan.StatusPending
			st.AssignedAgentID = ""
			st.Error = ""
			n++
		}
	}
	return n
}
