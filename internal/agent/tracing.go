package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coveyhq/covey/internal/providers"
)

// tracer is a noop unless telemetry installed a real provider.
var tracer = otel.Tracer("github.com/coveyhq/covey/internal/agent")

func startRunSpan(ctx context.Context, sessionKey, model string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session.key", sessionKey),
		attribute.String("model.id", model),
	))
}

func startCompletionSpan(ctx context.Context, iteration, messageCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.completion", trace.WithAttributes(
		attribute.Int("iteration", iteration),
		attribute.Int("messages", messageCount),
	))
}

func endCompletionSpan(span trace.Span, resp *providers.ChatResponse, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return
	}
	span.SetAttributes(attribute.Int("tool_calls", len(resp.ToolCalls)))
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("tokens.completion", resp.Usage.CompletionTokens),
			attribute.Int("tokens.total", resp.Usage.TotalTokens),
		)
	}
	span.End()
}

func startToolSpan(ctx context.Context, call providers.ToolCall) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
}
