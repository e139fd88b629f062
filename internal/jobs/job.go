// Package jobs implements the inter-agent job service: a persistent queue
// of prompt executions that peers submit over HTTP and poll for results.
package jobs

import "time"

// Status is the lifecycle state of one job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one prompt execution. Journal is an append-only list of short
// status strings recorded as the job progresses.
type Job struct {
	ID           string     `json:"id"`
	Prompt       string     `json:"prompt"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Model        string     `json:"model,omitempty"`
	Status       Status     `json:"status"`
	Journal      []string   `json:"journal"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate freely.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Journal = append([]string(nil), j.Journal...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}
