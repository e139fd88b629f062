// Package plan models decomposed work: a TaskPlan of dependency-ordered
// subtasks produced by the thinking model and executed by the orchestrator.
package plan

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one subtask.
type Status string

const (
	StatusPending     Status = "Pending"
	StatusInProgress  Status = "InProgress"
	StatusCompleted   Status = "Completed"
	StatusFailed      Status = "Failed"
	StatusBlocked     Status = "Blocked"
	StatusInterrupted Status = "Interrupted"
)

// SubtaskType steers the worker's system prompt.
type SubtaskType string

const (
	TypeCode     SubtaskType = "code"
	TypeTest     SubtaskType = "test"
	TypeResearch SubtaskType = "research"
	TypeDocs     SubtaskType = "docs"
	TypeRefactor SubtaskType = "refactor"
	TypeInfra    SubtaskType = "infra"
)

// Subtask is one unit of work in a plan.
type Subtask struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Type             SubtaskType `json:"type"`
	Dependencies     []string    `json:"dependencies"`
	EstimatedMinutes int         `json:"estimated_minutes"`
	Status           Status      `json:"status"`
	AssignedAgentID  string      `json:"assigned_agent_id,omitempty"`
	ResultSummary    string      `json:"result_summary,omitempty"`
	Error            string      `json:"error,omitempty"`
}

// TaskPlan is the decomposition of one user request.
type TaskPlan struct {
	TaskID                string     `json:"task_id"`
	OriginalRequest       string     `json:"original_request"`
	Summary               string     `json:"summary"`
	RecommendedAgentCount int        `json:"recommended_agent_count"`
	RiskAssessment        string     `json:"risk_assessment"`
	Subtasks              []*Subtask `json:"subtasks"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Subtask returns the subtask with the given id.
func (p *TaskPlan) Subtask(id string) (*Subtask, bool) {
	for _, st := range p.Subtasks {
		if st.ID == id {
			return st, true
		}
	}
	return nil, false
}

// Validate checks referential integrity and acyclicity of the dependency
// graph.
func (p *TaskPlan) Validate() error {
	if len(p.Subtasks) == 0 {
		return fmt.Errorf("plan has no subtasks")
	}

	byID := make(map[string]*Subtask, len(p.Subtasks))
	for _, st := range p.Subtasks {
		if st.ID == "" {
			return fmt.Errorf("subtask %q has no id", st.Title)
		}
		if _, dup := byID[st.ID]; dup {
			return fmt.Errorf("duplicate subtask id %q", st.ID)
		}
		byID[st.ID] = st
	}

	for _, st := range p.Subtasks {
		for _, dep := range st.Dependencies {
			if dep == st.ID {
				return fmt.Errorf("subtask %q depends on itself", st.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("subtask %q depends on unknown id %q", st.ID, dep)
			}
		}
	}

	// Cycle detection by DFS colouring.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(p.Subtasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch colour[id] {
		case grey:
			return fmt.Errorf("dependency cycle through %q", id)
		case black:
			return nil
		}
		colour[id] = grey
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colour[id] = black
		return nil
	}
	for _, st := range p.Subtasks {
		if err := visit(st.ID); err != nil {
			return err
		}
	}
	return nil
}

// Dependents counts how many subtasks list id as a dependency. The
// scheduler prefers subtasks with fewer dependents.
func (p *TaskPlan) Dependents(id string) int {
	n := 0
	for _, st := range p.Subtasks {
		for _, dep := range st.Dependencies {
			if dep == id {
				n++
			}
		}
	}
	return n
}

// Ready lists Pending subtasks whose dependencies are all Completed, in
// plan order.
func (p *TaskPlan) Ready() []*Subtask {
	var ready []*Subtask
	for _, st := range p.Subtasks {
		if st.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range st.Dependencies {
			d, found := p.Subtask(dep)
			if !found || d.Status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}

// Done reports whether no subtask can make further progress.
func (p *TaskPlan) Done() bool {
	for _, st := range p.Subtasks {
		switch st.Status {
		case StatusPending, StatusInProgress:
			return false
		}
	}
	return true
}

// Counts returns the number of subtasks per status.
func (p *TaskPlan) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, st := range p.Subtasks {
		counts[st.Status]++
	}
	return counts
}
