// Package agent drives the think-act-observe conversation loop: send the
// session to the model, execute whatever tools it requests, feed results
// back, and repeat until the model answers in plain content.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/sessions"
	"github.com/coveyhq/covey/internal/tools"
)

// ErrMaxIterations is returned by Run alongside the last partial content
// when the round-trip bound is exhausted before a final answer.
var ErrMaxIterations = errors.New("max iterations reached without final answer")

// Config is the explicit record of loop behaviour. Zero values fall back
// to the documented defaults.
type Config struct {
	ModelID                string
	Temperature            float64 // default 0.2
	MaxIterations          int     // default 50
	AutoSummarizeThreshold float64 // default 0.90 of the context window
	MaxContextLength       int     // 0 disables auto-summarization
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 50
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.AutoSummarizeThreshold <= 0 || c.AutoSummarizeThreshold > 1 {
		c.AutoSummarizeThreshold = 0.90
	}
	return c
}

// Loop runs one session against one model with one tool registry.
type Loop struct {
	client     providers.ChatClient
	session    *sessions.Session
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	summarizer *Summarizer
	tracker    *TokenTracker
	cfg        Config
	obs        Observer
	logger     *slog.Logger
}

func NewLoop(
	client providers.ChatClient,
	session *sessions.Session,
	registry *tools.Registry,
	dispatcher *tools.Dispatcher,
	summarizer *Summarizer,
	cfg Config,
	obs Observer,
	logger *slog.Logger,
) *Loop {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:     client,
		session:    session,
		registry:   registry,
		dispatcher: dispatcher,
		summarizer: summarizer,
		tracker:    NewTokenTracker(cfg.MaxContextLength),
		cfg:        cfg,
		obs:        obs,
		logger:     logger,
	}
}

// Tracker exposes the session's token tracker, for display and for the
// model-info probe to set the real context length.
func (l *Loop) Tracker() *TokenTracker { return l.tracker }

// Session returns the session this loop drives.
func (l *Loop) Session() *sessions.Session { return l.session }

// Run feeds one user message through the loop and returns the final
// assistant content. The caller appends the returned content to the
// session; the loop itself only appends intermediate tool traffic. When
// the iteration bound is hit, the last partial content is returned along
// with ErrMaxIterations.
func (l *Loop) Run(ctx context.Context, userMessage string) (string, error) {
	if err := l.session.BeginProcessing(); err != nil {
		return "", err
	}
	defer l.session.EndProcessing()

	ctx, span := startRunSpan(ctx, l.session.Key(), l.cfg.ModelID)
	defer span.End()

	// Compact before the new user message joins the history, so the fresh
	// request is never folded into a summary. Within the turn the loop
	// never compacts.
	if err := l.maybeCompact(ctx); err != nil {
		l.logger.Warn("summarization failed, continuing with full history",
			"session", l.session.Key(), "error", err)
	}

	l.session.AppendUser(ctx, userMessage)

	lastContent := ""
	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		messages := l.session.Messages()
		l.logger.Debug("agent iteration",
			"session", l.session.Key(), "iteration", iteration, "messages", len(messages))

		resp, err := l.completion(ctx, iteration, providers.ChatRequest{
			Model:       l.cfg.ModelID,
			Messages:    messages,
			Tools:       l.registry.Definitions(),
			Temperature: &l.cfg.Temperature,
		})
		if err != nil {
			return "", fmt.Errorf("completion failed (iteration %d): %w", iteration, err)
		}

		if resp.Usage != nil {
			l.tracker.Observe(*resp.Usage)
			l.obs.usage(*resp.Usage)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		calls := synthesizeIDs(resp.ToolCalls)
		l.session.AppendToolCalls(ctx, resp.Content, calls)
		lastContent = resp.Content

		for _, call := range calls {
			l.runTool(ctx, call)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		}
	}

	l.logger.Warn("iteration bound reached",
		"session", l.session.Key(), "max_iterations", l.cfg.MaxIterations)
	return lastContent, ErrMaxIterations
}

// completion performs one streaming round trip, relaying tokens to the
// observer as they arrive.
func (l *Loop) completion(ctx context.Context, iteration int, req providers.ChatRequest) (*providers.ChatResponse, error) {
	ctx, span := startCompletionSpan(ctx, iteration, len(req.Messages))

	resp, err := l.client.ChatStream(ctx, req, func(ev providers.StreamEvent) {
		switch ev.Type {
		case providers.StreamContent:
			l.obs.token(ev.Content)
		case providers.StreamReasoning:
			l.obs.reasoningToken(ev.Content)
		}
	})
	endCompletionSpan(span, resp, err)
	return resp, err
}

// runTool dispatches one call and appends its result message.
func (l *Loop) runTool(ctx context.Context, call providers.ToolCall) {
	l.obs.toolCall(call)
	l.logger.Info("tool call",
		"session", l.session.Key(), "tool", call.Name, "args_len", len(call.Arguments))

	toolCtx, span := startToolSpan(ctx, call)
	start := time.Now()
	result := l.dispatcher.Execute(toolCtx, call, func(p tools.Progress) {
		l.obs.toolProgress(call, p)
	})
	elapsed := time.Since(start)
	span.End()

	l.obs.toolResult(call, result)
	l.obs.toolComplete(call, elapsed)
	l.session.AppendToolResult(ctx, call, result)
}

// maybeCompact summarises the session when the tracker crosses the
// threshold. It runs at the start of Run under the processing guard, so
// it never races an in-flight request on the same session.
func (l *Loop) maybeCompact(ctx context.Context) error {
	if l.summarizer == nil {
		return nil
	}
	if l.tracker.UsageFraction() < l.cfg.AutoSummarizeThreshold {
		return nil
	}
	summary, err := l.summarizer.Compact(ctx, l.session, l.tracker)
	if err != nil {
		return err
	}
	if summary != "" {
		l.obs.summarization(summary)
	}
	return nil
}

// synthesizeIDs fills in ids for servers that omit them, so tool result
// messages always have a referent.
func synthesizeIDs(calls []providers.ToolCall) []providers.ToolCall {
	out := make([]providers.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = "call_" + uuid.NewString()
		}
	}
	return out
}
