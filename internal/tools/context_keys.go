package tools

import "context"

// Tool execution context keys. Values are injected into context by the
// dispatcher and read by the permission arbiter and individual tools
// during Execute(), keeping tool instances free of mutable state.

type toolContextKey string

const (
	ctxSandboxScope toolContextKey = "tool_sandbox_scope"
	ctxWorkspace    toolContextKey = "tool_workspace"
	ctxSessionKey   toolContextKey = "tool_session_key"
)

// WithSandboxScope marks the context as originating inside a sandboxed
// code-execution tool. Nested tool calls under this scope skip permission
// prompting; the scope ends with the context, so no explicit clear exists.
func WithSandboxScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxSandboxScope, true)
}

func SandboxScopeFromCtx(ctx context.Context) bool {
	v, _ := ctx.Value(ctxSandboxScope).(bool)
	return v
}

func WithToolWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSessionKey, key)
}

func SessionKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionKey).(string)
	return v
}
