package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/internal/peer"
)

const (
	peerProbeTimeout  = 5 * time.Second
	peerResultPoll    = 2 * time.Second
	peerResultTimeout = 120 * time.Second
)

// PeerSet exposes the statically configured peer agents to the model as the
// agent_* tool family.
type PeerSet struct {
	peers []*peer.Client
}

func NewPeerSet(peers []*peer.Client) *PeerSet {
	return &PeerSet{peers: peers}
}

// Tools returns the agent_* tools backed by this set.
func (s *PeerSet) Tools() []Tool {
	return []Tool{
		&AgentListTool{set: s},
		&AgentSubmitTool{set: s},
		&AgentStatusTool{set: s},
		&AgentResultTool{set: s},
		&AgentCancelTool{set: s},
	}
}

func (s *PeerSet) byName(name string) (*peer.Client, error) {
	for _, p := range s.peers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown agent %q; use agent_list to see configured peers", name)
}

func agentNameParam() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Name of the peer agent, as reported by agent_list",
	}
}

func jobIDParam() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Job id returned by agent_submit",
	}
}

// jobPayload flattens a remote job into the object the model sees.
func jobPayload(agent string, j *jobs.Job) map[string]any {
	payload := map[string]any{
		"agent":   agent,
		"job_id":  j.ID,
		"status":  string(j.Status),
		"journal": j.Journal,
	}
	if j.Result != "" {
		payload["result"] = j.Result
	}
	if j.Error != "" {
		payload["error"] = j.Error
	}
	return payload
}

// AgentListTool probes every configured peer and reports who is reachable.
type AgentListTool struct {
	set *PeerSet
}

func (t *AgentListTool) Name() string { return "agent_list" }
func (t *AgentListTool) Description() string {
	return "List configured peer agents and whether each is currently reachable"
}
func (t *AgentListTool) Risk() RiskLevel { return RiskReadOnly }

func (t *AgentListTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *AgentListTool) Execute(ctx context.Context, args map[string]any) *Result {
	probeCtx, cancel := context.WithTimeout(ctx, peerProbeTimeout)
	defer cancel()

	entries := make([]map[string]any, len(t.set.peers))
	var wg sync.WaitGroup
	for i, p := range t.set.peers {
		wg.Add(1)
		go func(i int, p *peer.Client) {
			defer wg.Done()
			entry := map[string]any{"name": p.Name(), "url": p.BaseURL()}
			info, err := p.Info(probeCtx)
			if err != nil {
				entry["online"] = false
				entry["error"] = err.Error()
			} else {
				entry["online"] = true
				entry["version"] = info.Version
				entry["capabilities"] = info.Capabilities
				if info.CurrentJobID != "" {
					entry["current_job_id"] = info.CurrentJobID
				}
			}
			entries[i] = entry
		}(i, p)
	}
	wg.Wait()

	return JSONResult(map[string]any{"agents": entries})
}

// AgentSubmitTool sends a prompt to a peer agent and returns the job id
// without waiting for completion.
type AgentSubmitTool struct {
	set *PeerSet
}

func (t *AgentSubmitTool) Name() string { return "agent_submit" }
func (t *AgentSubmitTool) Description() string {
	return "Submit a prompt to a peer agent as an asynchronous job; returns the job id immediately"
}
func (t *AgentSubmitTool) Risk() RiskLevel { return RiskAgentComm }

func (t *AgentSubmitTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":  agentNameParam(),
			"prompt": map[string]any{"type": "string", "description": "Task for the peer agent to perform"},
			"system_prompt": map[string]any{
				"type":        "string",
				"description": "Optional system prompt overriding the peer's default",
			},
		},
		"required": []string{"agent", "prompt"},
	}
}

func (t *AgentSubmitTool) Execute(ctx context.Context, args map[string]any) *Result {
	name, _ := args["agent"].(string)
	prompt, _ := args["prompt"].(string)
	if name == "" || prompt == "" {
		return ErrorResult("agent and prompt are required")
	}
	p, err := t.set.byName(name)
	if err != nil {
		return ErrorResult(err.Error())
	}

	req := jobs.SubmitRequest{Prompt: prompt}
	if sp, ok := args["system_prompt"].(string); ok {
		req.SystemPrompt = sp
	}
	jobID, err := p.Submit(ctx, req)
	if err != nil {
		return ErrorResultf("submit to %s: %v", name, err).WithError(err)
	}
	return JSONResult(map[string]any{
		"agent":  name,
		"job_id": jobID,
		"status": string(jobs.StatusPending),
	})
}

// AgentStatusTool fetches the current state of a previously submitted job.
type AgentStatusTool struct {
	set *PeerSet
}

func (t *AgentStatusTool) Name() string { return "agent_status" }
func (t *AgentStatusTool) Description() string {
	return "Check the status and progress journal of a job running on a peer agent"
}
func (t *AgentStatusTool) Risk() RiskLevel { return RiskReadOnly }

func (t *AgentStatusTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":  agentNameParam(),
			"job_id": jobIDParam(),
		},
		"required": []string{"agent", "job_id"},
	}
}

func (t *AgentStatusTool) Execute(ctx context.Context, args map[string]any) *Result {
	name, _ := args["agent"].(string)
	jobID, _ := args["job_id"].(string)
	if name == "" || jobID == "" {
		return ErrorResult("agent and job_id are required")
	}
	p, err := t.set.byName(name)
	if err != nil {
		return ErrorResult(err.Error())
	}
	job, err := p.Job(ctx, jobID)
	if err != nil {
		return ErrorResultf("fetch job from %s: %v", name, err).WithError(err)
	}
	return JSONResult(jobPayload(name, job))
}

// AgentResultTool blocks until a peer job finishes and returns its result.
type AgentResultTool struct {
	set *PeerSet
}

func (t *AgentResultTool) Name() string { return "agent_result" }
func (t *AgentResultTool) Description() string {
	return "Wait for a peer agent job to finish and return its result; fails after timeout_sec"
}
func (t *AgentResultTool) Risk() RiskLevel { return RiskReadOnly }

func (t *AgentResultTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":  agentNameParam(),
			"job_id": jobIDParam(),
			"timeout_sec": map[string]any{
				"type":        "number",
				"description": "Seconds to wait before giving up (default 120)",
			},
		},
		"required": []string{"agent", "job_id"},
	}
}

func (t *AgentResultTool) Execute(ctx context.Context, args map[string]any) *Result {
	name, _ := args["agent"].(string)
	jobID, _ := args["job_id"].(string)
	if name == "" || jobID == "" {
		return ErrorResult("agent and job_id are required")
	}
	p, err := t.set.byName(name)
	if err != nil {
		return ErrorResult(err.Error())
	}

	timeout := peerResultTimeout
	if ts, ok := args["timeout_sec"].(float64); ok && ts > 0 {
		timeout = time.Duration(ts * float64(time.Second))
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	job, err := p.WaitForResult(waitCtx, jobID, peerResultPoll)
	if err != nil {
		if waitCtx.Err() == context.DeadlineExceeded {
			return ErrorResultf("job %s still running after %s; check again with agent_status", jobID, timeout)
		}
		return ErrorResultf("wait for job on %s: %v", name, err).WithError(err)
	}
	return JSONResult(jobPayload(name, job))
}

// AgentCancelTool cancels a running or queued job on a peer agent.
type AgentCancelTool struct {
	set *PeerSet
}

func (t *AgentCancelTool) Name() string { return "agent_cancel" }
func (t *AgentCancelTool) Description() string {
	return "Cancel a pending or running job on a peer agent"
}
func (t *AgentCancelTool) Risk() RiskLevel { return RiskAgentComm }

func (t *AgentCancelTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":  agentNameParam(),
			"job_id": jobIDParam(),
		},
		"required": []string{"agent", "job_id"},
	}
}

func (t *AgentCancelTool) Execute(ctx context.Context, args map[string]any) *Result {
	name, _ := args["agent"].(string)
	jobID, _ := args["job_id"].(string)
	if name == "" || jobID == "" {
		return ErrorResult("agent and job_id are required")
	}
	p, err := t.set.byName(name)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := p.Cancel(ctx, jobID); err != nil {
		return ErrorResultf("cancel job on %s: %v", name, err).WithError(err)
	}
	return JSONResult(map[string]any{
		"agent":     name,
		"job_id":    jobID,
		"cancelled": true,
	})
}
