package permissions

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/coveyhq/covey/internal/tools"
)

// Choice is the user's answer to a permission prompt.
type Choice string

const (
	ChoiceApprove Choice = "approve" // this call only
	ChoiceSession Choice = "session" // every call to this tool until exit
	ChoiceAlways  Choice = "always"  // persist for this repo and tool
	ChoiceDeny    Choice = "deny"
)

// PromptFunc presents one approval question to the user and blocks until
// answered. Implementations live in the command layer; the arbiter only
// guarantees that at most one prompt is on screen at a time.
type PromptFunc func(ctx context.Context, req tools.ApprovalRequest) (Choice, error)

// Config carries the arbitration knobs from the loaded configuration.
type Config struct {
	AutoApprove        bool
	RequireMCPApproval bool
	RepoPath           string
}

// Arbiter implements tools.Approver. Decisions follow a fixed order:
// sandbox scope, persistent grants, session grants, auto-approve, then an
// interactive prompt. Prompts from concurrent agents are serialized.
type Arbiter struct {
	mu      sync.Mutex
	store   *Store
	prompt  PromptFunc
	cfg     Config
	session map[string]bool
	logger  *slog.Logger
}

func NewArbiter(store *Store, prompt PromptFunc, cfg Config, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		store:   store,
		prompt:  prompt,
		cfg:     cfg,
		session: make(map[string]bool),
		logger:  logger,
	}
}

// Approve resolves one permission question. A nil error with false means
// the user (or policy) said no; the tool must not run.
func (a *Arbiter) Approve(ctx context.Context, req tools.ApprovalRequest) (bool, error) {
	if req.Risk == tools.RiskReadOnly {
		return true, nil
	}

	if tools.SandboxScopeFromCtx(ctx) && !a.mcpGateApplies(req.Tool) {
		a.logger.Debug("permission granted by sandbox scope", "tool", req.Tool)
		return true, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.store != nil && a.store.Allowed(a.cfg.RepoPath, req.Tool) {
		a.logger.Debug("permission granted by standing grant", "tool", req.Tool, "repo", a.cfg.RepoPath)
		return true, nil
	}

	if a.session[req.Tool] {
		return true, nil
	}

	if a.cfg.AutoApprove {
		a.logger.Debug("permission auto-approved", "tool", req.Tool, "risk", string(req.Risk))
		return true, nil
	}

	if a.prompt == nil {
		a.logger.Warn("no prompt available, denying tool", "tool", req.Tool)
		return false, nil
	}

	choice, err := a.prompt(ctx, req)
	if err != nil {
		a.logger.Warn("permission prompt failed, denying", "tool", req.Tool, "error", err)
		return false, err
	}

	switch choice {
	case ChoiceApprove:
		return true, nil
	case ChoiceSession:
		a.session[req.Tool] = true
		return true, nil
	case ChoiceAlways:
		if a.store != nil {
			if err := a.store.Allow(a.cfg.RepoPath, req.Tool); err != nil {
				a.logger.Warn("failed to persist grant", "tool", req.Tool, "error", err)
			}
		}
		a.session[req.Tool] = true
		return true, nil
	default:
		a.logger.Info("tool denied by user", "tool", req.Tool)
		return false, nil
	}
}

// mcpGateApplies reports whether the sandbox bypass is suspended for this
// tool because the configuration insists on prompting for MCP tools.
func (a *Arbiter) mcpGateApplies(tool string) bool {
	return a.cfg.RequireMCPApproval && strings.HasPrefix(tool, "mcp_")
}
