package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/internal/peer"
)

// RemoteWorker executes subtasks by submitting them as jobs to peer agents
// over HTTP. Peers are assigned round-robin; each peer runs one job at a
// time, so with N peers up to N subtasks make progress concurrently.
type RemoteWorker struct {
	Peers  []*peer.Client
	Poll   time.Duration
	Logger *slog.Logger

	next atomic.Uint64
}

// Run submits the job to the next peer and blocks until the remote job
// reaches a terminal status. On cancellation it asks the peer to cancel the
// job before returning.
func (w *RemoteWorker) Run(ctx context.Context, job Job) (string, error) {
	if len(w.Peers) == 0 {
		return "", errors.New("no peer agents configured")
	}
	p := w.Peers[w.next.Add(1)%uint64(len(w.Peers))]
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jobID, err := p.Submit(ctx, jobs.SubmitRequest{
		Prompt:       job.Prompt,
		SystemPrompt: job.SystemPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("submit to %s: %w", p.Name(), err)
	}
	logger.Info("subtask dispatched to peer",
		"peer", p.Name(), "job_id", jobID, "subtask", job.Subtask.ID)

	poll := w.Poll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	remote, err := p.WaitForResult(ctx, jobID, poll)
	if err != nil {
		if ctx.Err() != nil {
			// Best effort: the peer keeps running otherwise.
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if cerr := p.Cancel(cancelCtx, jobID); cerr != nil {
				logger.Warn("cancel remote job", "peer", p.Name(), "job_id", jobID, "error", cerr)
			}
		}
		return "", err
	}

	switch remote.Status {
	case jobs.StatusCompleted:
		return remote.Result, nil
	case jobs.StatusFailed:
		if remote.Error != "" {
			return "", fmt.Errorf("peer %s: %s", p.Name(), remote.Error)
		}
		return "", fmt.Errorf("peer %s: job failed", p.Name())
	case jobs.StatusCancelled:
		return "", fmt.Errorf("peer %s: job cancelled", p.Name())
	default:
		return "", fmt.Errorf("peer %s: job ended in unexpected status %q", p.Name(), remote.Status)
	}
}
