// Package sessions holds live conversation state. A Session owns the
// in-memory message list the agent loop reads and extends; every mutation
// is mirrored to a store.SessionLog so the conversation can be replayed
// after a restart.
//
// Session keys are colon-separated and name the surface that owns them:
//
//	chat:{uuid}                interactive REPL session
//	job:{jobId}                job-service run
//	task:{taskId}:sub:{subId}  orchestrator worker
package sessions

import (
	"fmt"

	"github.com/google/uuid"
)

// ChatKey returns a fresh key for an interactive chat session.
func ChatKey() string {
	return "chat:" + uuid.NewString()
}

// JobKey returns the session key for a job-service run.
func JobKey(jobID string) string {
	return "job:" + jobID
}

// SubtaskKey returns the session key for one orchestrator worker.
func SubtaskKey(taskID, subtaskID string) string {
	return fmt.Sprintf("task:%s:sub:%s", taskID, subtaskID)
}
