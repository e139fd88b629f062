package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Agent.Name != "covey" {
		t.Errorf("agent name = %q, want covey", cfg.Agent.Name)
	}
	if !cfg.Agent.RestrictToWorkspace {
		t.Error("workspace restriction should default on")
	}
	if cfg.Agent.MaxToolIterations != 50 {
		t.Errorf("max iterations = %d, want 50", cfg.Agent.MaxToolIterations)
	}
	if cfg.Models.Host != "http://localhost:1234" {
		t.Errorf("models host = %q", cfg.Models.Host)
	}
	if cfg.Models.AutoSummarizeThreshold != 0.9 {
		t.Errorf("threshold = %v, want 0.9", cfg.Models.AutoSummarizeThreshold)
	}
	if cfg.Gateway.Port != 18590 {
		t.Errorf("gateway port = %d", cfg.Gateway.Port)
	}
	if cfg.Orchestrator.MaxAgents != 2 {
		t.Errorf("max agents = %d, want 2", cfg.Orchestrator.MaxAgents)
	}
	if !cfg.Permissions.RequireMCPApproval {
		t.Error("MCP approval should default on")
	}
}

func TestModelRoleFallbacks(t *testing.T) {
	m := ModelsConfig{Default: "qwen3-coder"}
	if got := m.ThinkingModel(); got != "qwen3-coder" {
		t.Errorf("thinking fallback = %q", got)
	}
	if got := m.SummarizerModel(); got != "qwen3-coder" {
		t.Errorf("summarizer fallback = %q", got)
	}

	m.Thinking = "qwq-32b"
	m.Summarizer = "qwen3-4b"
	if got := m.ThinkingModel(); got != "qwq-32b" {
		t.Errorf("thinking = %q", got)
	}
	if got := m.SummarizerModel(); got != "qwen3-4b" {
		t.Errorf("summarizer = %q", got)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
  // local endpoint with a couple of peers
  agent: {
    name: "builder",
    max_tool_iterations: 25,
  },
  models: {
    default: "qwen3-coder",
    context_window: 65536,
  },
  peers: [
    {name: "reviewer", url: "http://10.0.0.2:18590", token: "peer-secret"},
  ],
}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Name != "builder" {
		t.Errorf("name = %q", cfg.Agent.Name)
	}
	if cfg.Agent.MaxToolIterations != 25 {
		t.Errorf("iterations = %d", cfg.Agent.MaxToolIterations)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Agent.Temperature != 0.2 {
		t.Errorf("temperature = %v, want default 0.2", cfg.Agent.Temperature)
	}
	if cfg.Models.ContextWindow != 65536 {
		t.Errorf("context window = %d", cfg.Models.ContextWindow)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Token != "peer-secret" {
		t.Errorf("peers = %+v", cfg.Peers)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Name != "covey" {
		t.Errorf("name = %q, want default", cfg.Agent.Name)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{agent: "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COVEY_API_KEY", "sk-test")
	t.Setenv("COVEY_GATEWAY_TOKEN", "tok-test")
	t.Setenv("COVEY_MODEL", "env-model")
	t.Setenv("COVEY_GATEWAY_PORT", "9999")
	t.Setenv("COVEY_TELEMETRY_ENABLED", "true")

	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{models: {default: "file-model"}}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Models.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Models.APIKey)
	}
	if cfg.Gateway.Token != "tok-test" {
		t.Errorf("token = %q", cfg.Gateway.Token)
	}
	if cfg.Models.Default != "env-model" {
		t.Errorf("model = %q, env should beat file", cfg.Models.Default)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("telemetry should be enabled via env")
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	t.Setenv("COVEY_API_KEY", "sk-live-secret")
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.applyEnvOverrides()
	cfg.Gateway.Token = "runtime-token"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"sk-live-secret", "runtime-token"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("saved config contains secret %q", secret)
		}
	}

	// Round trip and make sure data fields survive.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Agent.Name != cfg.Agent.Name {
		t.Errorf("name = %q", reloaded.Agent.Name)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Models.APIKey = "sk-hidden"
	cfg.Peers = []PeerConfig{{Name: "reviewer", URL: "http://x", Token: "peer-tok"}}
	cfg.MCP = map[string]MCPServerConfig{
		"github": {Command: "mcp-github", Env: map[string]string{"GITHUB_TOKEN": "gh-tok"}},
	}

	masked := cfg.MaskedCopy()
	if masked.Peers[0].Token != "***" {
		t.Errorf("peer token = %q", masked.Peers[0].Token)
	}
	if masked.MCP["github"].Env["GITHUB_TOKEN"] != "***" {
		t.Errorf("mcp env = %q", masked.MCP["github"].Env["GITHUB_TOKEN"])
	}
	// API key carries json:"-" so the copy never sees it.
	if masked.Models.APIKey != "" {
		t.Errorf("api key leaked into copy: %q", masked.Models.APIKey)
	}

	// Original stays intact.
	if cfg.Peers[0].Token != "peer-tok" || cfg.MCP["github"].Env["GITHUB_TOKEN"] != "gh-tok" {
		t.Error("masking mutated the original")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	cases := []struct {
		in, want string
	}{
		{"~/.covey/workspace", filepath.Join(home, ".covey/workspace")},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ExpandHome(tc.in); got != tc.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{agent: {name: "before"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(path, cfg, func(*Config) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{agent: {name: "after"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}
	if got := cfg.Snapshot().Agent.Name; got != "after" {
		t.Errorf("name = %q after reload", got)
	}
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{agent: {name: "good"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, cfg, nil, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{broken`), 0600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * reloadDebounce)

	if got := cfg.Snapshot().Agent.Name; got != "good" {
		t.Errorf("name = %q, bad reload should not apply", got)
	}
}
