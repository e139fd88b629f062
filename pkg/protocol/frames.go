package protocol

import (
	"encoding/json"
	"time"
)

// Version is bumped when the frame layout changes incompatibly. Clients
// should refuse to attach to a server reporting a higher version.
const Version = 1

// Frame is the wire envelope carried on SSE data lines and WebSocket text
// messages. Payload shape depends on Type.
type Frame struct {
	Type    string          `json:"type"`
	JobID   string          `json:"job_id,omitempty"`
	AgentID string          `json:"agent_id,omitempty"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload and stamps the frame with the current time.
func NewFrame(eventType, jobID, agentID string, payload any) (Frame, error) {
	f := Frame{
		Type:    eventType,
		JobID:   jobID,
		AgentID: agentID,
		TS:      time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = raw
	}
	return f, nil
}
