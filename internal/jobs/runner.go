package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coveyhq/covey/internal/bus"
	"github.com/coveyhq/covey/pkg/protocol"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrNotCancellable = errors.New("job already finished")
	ErrQueueFull      = errors.New("job queue is full")
)

// RunFunc executes one job's prompt and returns the final content. journal
// records short progress strings onto the job as it runs.
type RunFunc func(ctx context.Context, job Job, journal func(entry string)) (string, error)

// SubmitRequest is the payload of POST /api/jobs.
type SubmitRequest struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Runner owns job execution. Jobs run one at a time: the executing agent
// holds a single session, so there is nothing to gain from parallel jobs
// and plenty to lose.
type Runner struct {
	store  Store
	run    RunFunc
	pub    bus.EventPublisher
	logger *slog.Logger

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	current string
}

func NewRunner(store Store, run RunFunc, pub bus.EventPublisher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   store,
		run:     run,
		pub:     pub,
		logger:  logger,
		queue:   make(chan string, 64),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start requeues jobs left pending by a previous process, fails jobs that
// process abandoned mid-run, then launches the worker. The worker stops
// when ctx ends.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.recoverStale(ctx); err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-r.queue:
				r.process(ctx, id)
			}
		}
	}()
	return nil
}

func (r *Runner) recoverStale(ctx context.Context) error {
	all, err := r.store.List(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("scan job store: %w", err)
	}
	// List is newest first; walk it backwards so pending jobs requeue in
	// submission order.
	for i := len(all) - 1; i >= 0; i-- {
		job := all[i]
		switch job.Status {
		case StatusRunning:
			now := time.Now().UTC()
			job.Status = StatusFailed
			job.Error = "interrupted by restart"
			job.CompletedAt = &now
			job.Journal = append(job.Journal, "interrupted by restart")
			if err := r.store.Update(ctx, job); err != nil {
				return err
			}
			r.logger.Warn("abandoned job marked failed", "job", job.ID)
		case StatusPending:
			select {
			case r.queue <- job.ID:
				r.logger.Info("requeued pending job", "job", job.ID)
			default:
				r.logger.Warn("queue full, job stays pending", "job", job.ID)
			}
		}
	}
	return nil
}

// Submit enqueues a job and returns immediately.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	job := &Job{
		ID:           uuid.NewString(),
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Status:       StatusPending,
		Journal:      []string{"queued"},
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	r.publishStatus(job)

	select {
	case r.queue <- job.ID:
	default:
		now := time.Now().UTC()
		job.Status = StatusFailed
		job.Error = ErrQueueFull.Error()
		job.CompletedAt = &now
		if err := r.store.Update(ctx, job); err != nil {
			r.logger.Warn("persist queue-full failure", "job", job.ID, "error", err)
		}
		return nil, ErrQueueFull
	}
	return job.Clone(), nil
}

func (r *Runner) process(ctx context.Context, id string) {
	r.mu.Lock()
	job, err := r.store.Get(ctx, id)
	if err != nil || job == nil {
		r.mu.Unlock()
		r.logger.Warn("queued job vanished", "job", id, "error", err)
		return
	}
	if job.Status != StatusPending { // cancelled while queued
		r.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancels[id] = cancel
	r.current = id
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, id)
		if r.current == id {
			r.current = ""
		}
		r.mu.Unlock()
	}()

	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.Journal = append(job.Journal, "started")
	// Persistence uses a background context: journal and final status must
	// land even when the worker is shutting down.
	if err := r.store.Update(context.Background(), job); err != nil {
		r.logger.Warn("persist job start", "job", id, "error", err)
	}
	r.publishStatus(job)

	journal := func(entry string) {
		job.Journal = append(job.Journal, entry)
		if err := r.store.Update(context.Background(), job); err != nil {
			r.logger.Warn("persist journal entry", "job", id, "error", err)
		}
	}

	result, runErr := r.runSafely(runCtx, job, journal)

	done := time.Now().UTC()
	job.CompletedAt = &done
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		job.Status = StatusCancelled
		job.Journal = append(job.Journal, "cancelled")
	case runErr != nil:
		job.Status = StatusFailed
		job.Error = runErr.Error()
		job.Journal = append(job.Journal, "failed: "+runErr.Error())
	default:
		job.Status = StatusCompleted
		job.Result = result
		job.Journal = append(job.Journal, "completed")
	}
	if err := r.store.Update(context.Background(), job); err != nil {
		r.logger.Warn("persist job result", "job", id, "error", err)
	}
	r.publishStatus(job)
	r.logger.Info("job finished", "job", id, "status", job.Status)
}

func (r *Runner) runSafely(ctx context.Context, job *Job, journal func(string)) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panic: %v", rec)
		}
	}()
	return r.run(ctx, *job.Clone(), journal)
}

// Cancel stops a running job or withdraws a queued one.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrNotCancellable
	}

	if cancel, running := r.cancels[id]; running {
		cancel() // the worker finalises the job as cancelled
		return nil
	}

	now := time.Now().UTC()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	job.Journal = append(job.Journal, "cancelled before start")
	if err := r.store.Update(ctx, job); err != nil {
		return err
	}
	r.publishStatus(job)
	return nil
}

// Get returns one job; missing ids are ErrNotFound.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

// List returns jobs in insertion order.
func (r *Runner) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	return r.store.List(ctx, limit, offset)
}

// Current returns the most recently created job; nil when none exist.
func (r *Runner) Current(ctx context.Context) (*Job, error) {
	return r.store.Current(ctx)
}

// CurrentJobID returns the id of the job executing right now, or "".
func (r *Runner) CurrentJobID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Shutdown cancels the active job and waits for the worker to stop. The
// worker exits when the Start context ends.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) publishStatus(job *Job) {
	if r.pub == nil {
		return
	}
	r.pub.Broadcast(bus.Event{
		Name:  protocol.EventJobStatus,
		JobID: job.ID,
		Payload: map[string]any{
			"status": job.Status,
			"error":  job.Error,
		},
	})
}
