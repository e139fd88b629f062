package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DefaultPath returns the standard config location, ~/.covey/config.json.
func DefaultPath() string {
	return ExpandHome("~/.covey/config.json")
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:                "covey",
			Workspace:           "~/.covey/workspace",
			RestrictToWorkspace: true,
			MaxToolIterations:   50,
			Temperature:         0.2,
			MaxTokens:           4096,
			HTTPTimeoutSec:      120,
		},
		Models: ModelsConfig{
			Host:                   "http://localhost:1234",
			ContextWindow:          32768,
			AutoSummarizeThreshold: 0.9,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18590,
			RateLimitRPM: 60,
			MaxBodyBytes: 1 << 20,
		},
		Orchestrator: OrchestratorConfig{
			MaxAgents: 2,
			PlanDir:   "~/.covey/plans",
		},
		Sessions: SessionsConfig{
			Storage:       "~/.covey/sessions",
			TruncateBytes: 50_000,
		},
		Database: DatabaseConfig{
			RetentionDays: 7,
		},
		Permissions: PermissionsConfig{
			RequireMCPApproval: true,
		},
		Tools: ToolsConfig{
			WebFetch: WebFetchConfig{MaxChars: 50_000},
			Shell:    ShellConfig{TimeoutSec: 60},
		},
	}
}

// Load reads the config file (JSON5), then overlays env vars. A missing
// file yields the defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays COVEY_* env vars. Env beats file values; this
// is also the only path by which secrets enter the config.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets: env-only, json:"-".
	envStr("COVEY_API_KEY", &c.Models.APIKey)
	envStr("COVEY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("COVEY_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Models.
	envStr("COVEY_HOST_URL", &c.Models.Host)
	envStr("COVEY_MODEL", &c.Models.Default)
	envStr("COVEY_THINKING_MODEL", &c.Models.Thinking)
	envStr("COVEY_SUMMARIZER_MODEL", &c.Models.Summarizer)

	// Paths.
	envStr("COVEY_WORKSPACE", &c.Agent.Workspace)
	envStr("COVEY_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("COVEY_PLAN_DIR", &c.Orchestrator.PlanDir)
	envStr("COVEY_JOBS_PATH", &c.Database.JobsPath)

	// Gateway.
	envStr("COVEY_GATEWAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("COVEY_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Telemetry.
	envStr("COVEY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("COVEY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("COVEY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("COVEY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("COVEY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Permissions.
	if v := os.Getenv("COVEY_AUTO_APPROVE"); v != "" {
		c.Permissions.AutoApprove = v == "true" || v == "1"
	}
}

// Save writes the config atomically (temp file + rename). Secret fields
// carry json:"-" and are never written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Hash returns a short digest of the config, used to detect whether a
// reload actually changed anything.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
