package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Command patterns denied regardless of permission decisions. These guard
// the obviously catastrophic cases; the permission arbiter handles intent.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b\s+/(\s|$)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`/var/run/docker\.sock`),
}

// RunProcessTool executes a program with an explicit argument vector. No
// shell interpretation happens unless the model invokes one deliberately.
type RunProcessTool struct {
	workspace string
	restrict  bool
	timeout   time.Duration
	deny      []*regexp.Regexp
}

func NewRunProcessTool(workspace string, restrict bool) *RunProcessTool {
	return &RunProcessTool{
		workspace: workspace,
		restrict:  restrict,
		timeout:   120 * time.Second,
		deny:      defaultDenyPatterns,
	}
}

// WithTimeout overrides the default per-process ceiling.
func (t *RunProcessTool) WithTimeout(d time.Duration) *RunProcessTool {
	if d > 0 {
		t.timeout = d
	}
	return t
}

// WithDenyPatterns extends the built-in guard list. Invalid patterns are
// rejected rather than silently skipped.
func (t *RunProcessTool) WithDenyPatterns(patterns []string) (*RunProcessTool, error) {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		t.deny = append(t.deny, re)
	}
	return t, nil
}

func (t *RunProcessTool) Name() string { return "run_process" }
func (t *RunProcessTool) Description() string {
	return "Run a program with arguments and return its exit code, stdout and stderr"
}
func (t *RunProcessTool) Risk() RiskLevel        { return RiskWrite }
func (t *RunProcessTool) Timeout() time.Duration { return t.timeout }

func (t *RunProcessTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cmd": map[string]any{
				"type":        "string",
				"description": "Program to execute",
			},
			"args": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Argument vector passed to the program",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory, relative to the workspace",
			},
			"timeout_sec": map[string]any{
				"type":        "number",
				"description": "Override the execution timeout in seconds",
			},
		},
		"required": []string{"cmd"},
	}
}

func (t *RunProcessTool) Execute(ctx context.Context, args map[string]any) *Result {
	cmdName, _ := args["cmd"].(string)
	if cmdName == "" {
		return ErrorResult("cmd is required")
	}

	var argv []string
	if rawArgs, ok := args["args"].([]any); ok {
		for _, a := range rawArgs {
			s, ok := a.(string)
			if !ok {
				return ErrorResult("args must be an array of strings")
			}
			argv = append(argv, s)
		}
	}

	commandLine := strings.Join(append([]string{cmdName}, argv...), " ")
	for _, pattern := range t.deny {
		if pattern.MatchString(commandLine) {
			return ErrorResultf("command denied by safety policy: matches %s", pattern.String())
		}
	}

	cwd := ToolWorkspaceFromCtx(ctx)
	if cwd == "" {
		cwd = t.workspace
	}
	if wd, _ := args["cwd"].(string); wd != "" {
		resolved, err := resolvePath(wd, t.workspace, t.restrict)
		if err != nil {
			return ErrorResult(err.Error())
		}
		cwd = resolved
	}

	cmd := exec.CommandContext(ctx, cmdName, argv...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			// The dispatcher reports the timeout; nothing useful to add.
			return ErrorResult(fmt.Sprintf("process killed: %v", ctx.Err()))
		default:
			return ErrorResultf("failed to start process: %v", err)
		}
	}

	return JSONResult(map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	})
}
