package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coveyhq/covey/internal/agent"
	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/sessions"
	"github.com/coveyhq/covey/internal/tools"
)

// LoopWorker executes subtasks on in-process agent loops. Every subtask
// gets a fresh session keyed task:{id}:sub:{id} so its transcript survives
// independently of the others.
type LoopWorker struct {
	Client     providers.ChatClient
	Sessions   *sessions.Manager
	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher
	Summarizer *agent.Summarizer
	LoopConfig agent.Config
	Logger     *slog.Logger
}

func (w *LoopWorker) Run(ctx context.Context, job Job) (string, error) {
	key := sessions.SubtaskKey(job.TaskID, job.Subtask.ID)
	sess, err := w.Sessions.GetOrCreate(ctx, key, job.SystemPrompt)
	if err != nil {
		return "", fmt.Errorf("create worker session: %w", err)
	}

	loop := agent.NewLoop(w.Client, sess, w.Registry, w.Dispatcher, w.Summarizer, w.LoopConfig, job.Observer, w.Logger)
	content, err := loop.Run(ctx, job.Prompt)
	if err != nil {
		return content, err
	}
	sess.AppendAssistant(ctx, content, nil)
	return content, nil
}
