package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"

	"github.com/coveyhq/covey/internal/agent"
	"github.com/coveyhq/covey/internal/config"
	"github.com/coveyhq/covey/internal/mcp"
	"github.com/coveyhq/covey/internal/peer"
	"github.com/coveyhq/covey/internal/permissions"
	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/sessions"
	"github.com/coveyhq/covey/internal/store"
	"github.com/coveyhq/covey/internal/store/file"
	"github.com/coveyhq/covey/internal/store/pg"
	"github.com/coveyhq/covey/internal/tools"
)

// agentRuntime bundles the wiring shared by every command that runs agent
// loops: provider client, session manager, tool registry, dispatcher.
type agentRuntime struct {
	cfg        *config.Config
	client     *providers.Client
	sessions   *sessions.Manager
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	summarizer *agent.Summarizer
	loopCfg    agent.Config
	mcp        *mcp.Manager
	peers      []*peer.Client

	log store.SessionLog
}

// buildRuntime assembles a runtime from configuration. prompt arbitrates
// interactive permission questions; nil denies anything not pre-approved,
// which is what unattended modes want.
func buildRuntime(ctx context.Context, cfg *config.Config, prompt permissions.PromptFunc, logger *slog.Logger) (*agentRuntime, error) {
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", workspace, err)
	}

	client := providers.NewClient(cfg.Models.Host, cfg.Models.APIKey, time.Duration(cfg.Agent.HTTPTimeoutSec)*time.Second)

	log, err := openSessionLog(cfg)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewReadFileTool(workspace, cfg.Agent.RestrictToWorkspace))
	registry.MustRegister(tools.NewWriteFileTool(workspace, cfg.Agent.RestrictToWorkspace))
	registry.MustRegister(tools.NewListDirTool(workspace, cfg.Agent.RestrictToWorkspace))

	proc := tools.NewRunProcessTool(workspace, cfg.Agent.RestrictToWorkspace).
		WithTimeout(time.Duration(cfg.Tools.Shell.TimeoutSec) * time.Second)
	if proc, err = proc.WithDenyPatterns(cfg.Tools.Shell.DenyPatterns); err != nil {
		return nil, fmt.Errorf("shell config: %w", err)
	}
	registry.MustRegister(proc)
	registry.MustRegister(tools.NewWebFetchTool(cfg.Tools.WebFetch.MaxChars, cfg.Tools.WebFetch.AllowPrivate))

	peers := peerClients(cfg)
	if len(peers) > 0 {
		for _, t := range tools.NewPeerSet(peers).Tools() {
			registry.MustRegister(t)
		}
	}

	permStore, err := permissions.OpenStore(permissionStorePath())
	if err != nil {
		return nil, fmt.Errorf("open permission store: %w", err)
	}
	arbiter := permissions.NewArbiter(permStore, prompt, permissions.Config{
		AutoApprove:        cfg.Permissions.AutoApprove,
		RequireMCPApproval: cfg.Permissions.RequireMCPApproval,
		RepoPath:           workspace,
	}, logger)

	rt := &agentRuntime{
		cfg:        cfg,
		client:     client,
		sessions:   sessions.NewManager(log),
		registry:   registry,
		dispatcher: tools.NewDispatcher(registry, arbiter),
		summarizer: agent.NewSummarizer(client, cfg.Models.SummarizerModel(), logger),
		peers:      peers,
		log:        log,
	}
	rt.loopCfg = agent.Config{
		ModelID:                cfg.Models.Default,
		Temperature:            cfg.Agent.Temperature,
		MaxIterations:          cfg.Agent.MaxToolIterations,
		AutoSummarizeThreshold: cfg.Models.AutoSummarizeThreshold,
		MaxContextLength:       probeContextWindow(ctx, client, cfg, logger),
	}

	if len(cfg.MCP) > 0 {
		rt.mcp = mcp.NewManager(registry, cfg.MCP, logger)
		if err := rt.mcp.Start(ctx); err != nil {
			logger.Warn("mcp startup incomplete", "error", err)
		}
		for _, s := range rt.mcp.ServerStatus() {
			if s.Connected {
				logger.Info("mcp server ready", "server", s.Name, "transport", s.Transport, "tools", s.ToolCount)
			} else {
				logger.Warn("mcp server unavailable", "server", s.Name, "error", s.Error)
			}
		}
	}
	return rt, nil
}

func (rt *agentRuntime) Close() {
	if rt.mcp != nil {
		rt.mcp.Stop()
	}
	if rt.log != nil {
		rt.log.Close()
	}
}

func openSessionLog(cfg *config.Config) (store.SessionLog, error) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		log, err := pg.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres session store: %w", err)
		}
		return log, nil
	}
	log, err := file.NewLog(config.ExpandHome(cfg.Sessions.Storage))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return log, nil
}

func peerClients(cfg *config.Config) []*peer.Client {
	clients := make([]*peer.Client, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		clients = append(clients, peer.New(p.Name, p.URL, p.Token))
	}
	return clients
}

// dialableAddr rewrites wildcard listen hosts to loopback so local
// clients can connect to their own gateway.
func dialableAddr(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
}

// probeContextWindow asks the endpoint for the default model's context
// length. Silence is fine; the configured window stands in.
func probeContextWindow(ctx context.Context, client *providers.Client, cfg *config.Config, logger *slog.Logger) int {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	n, err := client.ModelContextLength(probeCtx, cfg.Models.Default)
	if err != nil || n <= 0 {
		if err != nil {
			logger.Debug("model info probe failed", "model", cfg.Models.Default, "error", err)
		}
		return cfg.Models.ContextWindow
	}
	logger.Debug("model info probe", "model", cfg.Models.Default, "context_length", n)
	return n
}

func defaultSystemPrompt(cfg *config.Config) string {
	return fmt.Sprintf(`You are %s, a coding agent working in the directory %s.

Use the available tools to read, write and run code instead of guessing.
Work in small verifiable steps: inspect files before editing, execute code
after changing it, and report what you actually observed. Finish with a
concise summary of what changed.`, cfg.Agent.Name, cfg.WorkspacePath())
}

// terminalPrompt asks the user to arbitrate one tool call on the TTY.
func terminalPrompt() permissions.PromptFunc {
	return func(ctx context.Context, req tools.ApprovalRequest) (permissions.Choice, error) {
		args, _ := json.Marshal(req.Arguments)

		choice := string(permissions.ChoiceDeny)
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Allow tool %s? (risk: %s)", req.Tool, req.Risk)).
				Description(runewidth.Truncate(string(args), 120, "...")).
				Options(
					huh.NewOption("Approve once", string(permissions.ChoiceApprove)),
					huh.NewOption("Approve for this session", string(permissions.ChoiceSession)),
					huh.NewOption("Always allow in this workspace", string(permissions.ChoiceAlways)),
					huh.NewOption("Deny", string(permissions.ChoiceDeny)),
				).
				Value(&choice),
		))
		if err := form.RunWithContext(ctx); err != nil {
			return permissions.ChoiceDeny, err
		}
		return permissions.Choice(choice), nil
	}
}
