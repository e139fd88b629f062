// Package config holds the covey configuration: a JSON5 file with defaults,
// COVEY_* environment overrides and hot-reload support. Secrets (API keys,
// tokens, DSNs) are env-only and never written back to disk.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Config is the root configuration for a covey agent process.
type Config struct {
	Agent        AgentConfig                `json:"agent"`
	Models       ModelsConfig               `json:"models"`
	Gateway      GatewayConfig              `json:"gateway"`
	Peers        []PeerConfig               `json:"peers,omitempty"`
	Orchestrator OrchestratorConfig         `json:"orchestrator"`
	Sessions     SessionsConfig             `json:"sessions"`
	Database     DatabaseConfig             `json:"database,omitempty"`
	Telemetry    TelemetryConfig            `json:"telemetry,omitempty"`
	Permissions  PermissionsConfig          `json:"permissions"`
	Tools        ToolsConfig                `json:"tools"`
	MCP          map[string]MCPServerConfig `json:"mcp,omitempty"`

	mu sync.RWMutex
}

// AgentConfig sets the executing agent's identity and loop behaviour.
type AgentConfig struct {
	Name                string  `json:"name"`
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	Temperature         float64 `json:"temperature"`
	MaxTokens           int     `json:"max_tokens"`
	HTTPTimeoutSec      int     `json:"http_timeout_sec"`
}

// ModelsConfig names models by role, all served by one OpenAI-compatible
// host. APIKey comes from COVEY_API_KEY only.
type ModelsConfig struct {
	Host                   string  `json:"host"`
	APIKey                 string  `json:"-"`
	Default                string  `json:"default"`
	Thinking               string  `json:"thinking,omitempty"`   // decomposer; falls back to Default
	Summarizer             string  `json:"summarizer,omitempty"` // history compaction; falls back to Default
	ContextWindow          int     `json:"context_window"`       // fallback when the endpoint's model probe is silent
	AutoSummarizeThreshold float64 `json:"auto_summarize_threshold"`
}

// ThinkingModel returns the decomposer model id.
func (m ModelsConfig) ThinkingModel() string {
	if m.Thinking != "" {
		return m.Thinking
	}
	return m.Default
}

// SummarizerModel returns the compaction model id.
func (m ModelsConfig) SummarizerModel() string {
	if m.Summarizer != "" {
		return m.Summarizer
	}
	return m.Default
}

// GatewayConfig configures the job service HTTP listener. Token comes from
// COVEY_GATEWAY_TOKEN only; empty disables authentication.
type GatewayConfig struct {
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	Token          string         `json:"-"`
	AllowedOrigins []string       `json:"allowed_origins,omitempty"`
	RateLimitRPM   int            `json:"rate_limit_rpm"` // per client IP; 0 disables
	MaxBodyBytes   int64          `json:"max_body_bytes"`
	ScheduledJobs  []ScheduledJob `json:"scheduled_jobs,omitempty"`
}

// ScheduledJob submits a prompt to the local job runner on a cron schedule.
type ScheduledJob struct {
	Name   string `json:"name"`
	Cron   string `json:"cron"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// PeerConfig names one remote covey agent. Tokens are remote credentials
// and may live in the config file; they are masked in displayed copies.
type PeerConfig struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// OrchestratorConfig tunes multi-agent plan execution.
type OrchestratorConfig struct {
	MaxAgents int    `json:"max_agents"`
	PlanDir   string `json:"plan_dir"`
}

// SessionsConfig configures session persistence.
type SessionsConfig struct {
	Storage       string `json:"storage"`
	TruncateBytes int    `json:"truncate_bytes"` // per stored value; live sessions keep full results
}

// DatabaseConfig selects persistent backends. PostgresDSN comes from
// COVEY_POSTGRES_DSN only; when set, sessions persist to PostgreSQL
// instead of JSONL files. JobsPath is the SQLite file for the job store;
// empty keeps jobs in memory.
type DatabaseConfig struct {
	PostgresDSN   string `json:"-"`
	JobsPath      string `json:"jobs_path,omitempty"`
	RetentionDays int    `json:"retention_days"` // prune finished jobs after this many days; 0 disables
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// PermissionsConfig tunes the tool-approval arbiter.
type PermissionsConfig struct {
	AutoApprove        bool `json:"auto_approve"`
	RequireMCPApproval bool `json:"require_mcp_approval"`
}

// ToolsConfig tunes the built-in tools.
type ToolsConfig struct {
	WebFetch WebFetchConfig `json:"web_fetch"`
	Shell    ShellConfig    `json:"shell"`
}

// WebFetchConfig caps the web_fetch tool.
type WebFetchConfig struct {
	MaxChars     int  `json:"max_chars"`
	AllowPrivate bool `json:"allow_private,omitempty"`
}

// ShellConfig tunes the run_process tool.
type ShellConfig struct {
	TimeoutSec   int      `json:"timeout_sec"`
	DenyPatterns []string `json:"deny_patterns,omitempty"` // extends the built-in guard list
}

// MCPServerConfig describes one MCP tool server. Command selects the stdio
// transport, URL the streamable HTTP transport; exactly one must be set.
type MCPServerConfig struct {
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Risk       string            `json:"risk,omitempty"` // "read_only" | "write" (default) | "agent_communication"
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

// ReplaceFrom copies all data fields from src, preserving c's mutex. Used
// by the hot-reload watcher so long-lived references observe the update.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Models = src.Models
	c.Gateway = src.Gateway
	c.Peers = src.Peers
	c.Orchestrator = src.Orchestrator
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Permissions = src.Permissions
	c.Tools = src.Tools
	c.MCP = src.MCP
}

// Snapshot returns a copy of the data fields for lock-free reads.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Agent:        c.Agent,
		Models:       c.Models,
		Gateway:      c.Gateway,
		Peers:        c.Peers,
		Orchestrator: c.Orchestrator,
		Sessions:     c.Sessions,
		Database:     c.Database,
		Telemetry:    c.Telemetry,
		Permissions:  c.Permissions,
		Tools:        c.Tools,
		MCP:          c.MCP,
	}
}

// GatewayAddr returns the listen address for the job service.
func (c *Config) GatewayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secrets replaced by "***" for
// display. Env-only secrets carry json:"-" and never round-trip, so only
// file-resident credentials need masking.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	for i := range cp.Peers {
		maskNonEmpty(&cp.Peers[i].Token)
	}
	for name, srv := range cp.MCP {
		for k := range srv.Env {
			srv.Env[k] = secretMask
		}
		for k := range srv.Headers {
			srv.Headers[k] = secretMask
		}
		cp.MCP[name] = srv
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
