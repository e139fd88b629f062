package protocol

// AgentInfo is the payload of GET /api/agent/info.
type AgentInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	CurrentJobID string   `json:"current_job_id,omitempty"`
}

// JobAccepted is the payload returned by POST /api/jobs.
type JobAccepted struct {
	JobID string `json:"job_id"`
}
