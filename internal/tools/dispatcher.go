package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/coveyhq/covey/internal/providers"
)

// ProgressStatus is the lifecycle of one tool invocation.
type ProgressStatus string

const (
	ProgressPending   ProgressStatus = "pending"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressTimedOut  ProgressStatus = "timed_out"
	ProgressCancelled ProgressStatus = "cancelled"
)

// Progress is one status report for an in-flight tool call.
type Progress struct {
	Status  ProgressStatus `json:"status"`
	Tool    string         `json:"tool"`
	Elapsed time.Duration  `json:"elapsed"`
	Message string         `json:"message,omitempty"`
}

// Dispatcher wraps tool execution with permission checks, timeouts,
// progress reporting and structured error capture. Calls within one
// assistant turn run strictly sequentially in request order; the loop
// invokes Execute once per call and never in parallel.
type Dispatcher struct {
	registry       *Registry
	approver       Approver
	defaultTimeout time.Duration
	heartbeat      time.Duration
}

func NewDispatcher(registry *Registry, approver Approver) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		approver:       approver,
		defaultTimeout: 120 * time.Second,
		heartbeat:      5 * time.Second,
	}
}

// WithDefaultTimeout overrides the per-call ceiling applied when neither
// the tool nor the call's argument block names one.
func (d *Dispatcher) WithDefaultTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.defaultTimeout = timeout
	}
	return d
}

// Execute runs one tool call end to end and always returns a JSON object
// string for the tool message. Tool faults never propagate as errors; the
// model sees them as {"error": ...} payloads.
func (d *Dispatcher) Execute(ctx context.Context, call providers.ToolCall, onProgress func(Progress)) string {
	report := func(status ProgressStatus, elapsed time.Duration, msg string) {
		if onProgress != nil {
			onProgress(Progress{Status: status, Tool: call.Name, Elapsed: elapsed, Message: msg})
		}
	}

	tool, ok := d.registry.Get(call.Name)
	if !ok {
		report(ProgressFailed, 0, "unknown tool")
		return ErrorResult("Unknown tool: " + call.Name).ForModel()
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		report(ProgressFailed, 0, "invalid arguments")
		return ErrorResultf("invalid tool arguments: %v", err).ForModel()
	}

	report(ProgressPending, 0, "")

	if tool.Risk() != RiskReadOnly && d.approver != nil {
		allowed, err := d.approver.Approve(ctx, ApprovalRequest{
			Tool:      call.Name,
			Risk:      tool.Risk(),
			Arguments: args,
		})
		if err != nil {
			slog.Warn("permission check failed, denying", "tool", call.Name, "error", err)
			allowed = false
		}
		if !allowed {
			report(ProgressFailed, 0, "permission denied")
			return ErrorResult("Permission denied by user").ForModel()
		}
	}

	timeout := d.timeoutFor(tool, args)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Sandboxed code-execution tools widen the permission scope for any
	// nested calls they make while running.
	if se, ok := tool.(interface{ SandboxExecutor() bool }); ok && se.SandboxExecutor() {
		execCtx = WithSandboxScope(execCtx)
	}

	start := time.Now()
	report(ProgressRunning, 0, "")

	resultCh := make(chan *Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
				resultCh <- ErrorResultf("tool panicked: %v", r)
			}
		}()
		resultCh <- tool.Execute(execCtx, args)
	}()

	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case result := <-resultCh:
			elapsed := time.Since(start)
			if result == nil {
				result = ErrorResult("tool returned no result")
			}
			if result.Err != nil {
				slog.Debug("tool error", "tool", call.Name, "error", result.Err)
			}
			if result.IsError {
				report(ProgressFailed, elapsed, "")
			} else {
				report(ProgressCompleted, elapsed, "")
			}
			return result.ForModel()

		case <-ticker.C:
			report(ProgressRunning, time.Since(start), "")

		case <-execCtx.Done():
			elapsed := time.Since(start)
			// The parent context distinguishes caller cancellation from
			// this call's deadline.
			if ctx.Err() != nil {
				report(ProgressCancelled, elapsed, "")
				return ErrorResult("tool cancelled").ForModel()
			}
			report(ProgressTimedOut, elapsed, "")
			payload := map[string]any{
				"error":     fmt.Sprintf("tool timed out after %s", timeout),
				"timed_out": true,
			}
			data, _ := json.Marshal(payload)
			return string(data)
		}
	}
}

// timeoutFor resolves the effective timeout: the call's own argument block
// wins, then the tool's declared default, then the dispatcher default.
func (d *Dispatcher) timeoutFor(tool Tool, args map[string]any) time.Duration {
	if secs, ok := args["timeout_sec"].(float64); ok && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if tp, ok := tool.(interface{ Timeout() time.Duration }); ok {
		if t := tp.Timeout(); t > 0 {
			return t
		}
	}
	return d.defaultTimeout
}

func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	args := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
