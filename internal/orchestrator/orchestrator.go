// Package orchestrator executes a task plan's dependency graph with a
// bounded pool of agent workers. Every status transition is persisted
// before the next scheduling decision, so an interrupted run can resume
// from the plan file.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/semaphore"

	"github.com/coveyhq/covey/internal/agent"
	"github.com/coveyhq/covey/internal/plan"
)

const (
	DefaultMaxAgents = 2
	MaxAgentsCap     = 8
)

// Worker runs one subtask to completion and returns its result summary.
type Worker interface {
	Run(ctx context.Context, job Job) (string, error)
}

// WorkerFunc adapts a plain function to the Worker interface.
type WorkerFunc func(ctx context.Context, job Job) (string, error)

func (f WorkerFunc) Run(ctx context.Context, job Job) (string, error) { return f(ctx, job) }

// Job is the unit of work handed to a worker. Subtask is a copy; workers
// never touch the shared plan.
type Job struct {
	AgentID      string
	TaskID       string
	Subtask      plan.Subtask
	SystemPrompt string
	Prompt       string
	Observer     agent.Observer
}

// Config tunes one orchestration run.
type Config struct {
	// MaxAgents bounds concurrent workers. Zero means DefaultMaxAgents;
	// values above MaxAgentsCap are clamped.
	MaxAgents int

	// SkipBlocked lets subtasks run even when a dependency failed; the
	// failure is noted in the worker's prompt instead of blocking the
	// downstream work.
	SkipBlocked bool

	// ObserverFor builds the observer for one worker. Events it receives
	// are already scoped to that worker's agent id and subtask.
	ObserverFor func(agentID, subtaskID string) agent.Observer

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAgents <= 0 {
		c.MaxAgents = DefaultMaxAgents
	}
	if c.MaxAgents > MaxAgentsCap {
		c.MaxAgents = MaxAgentsCap
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Orchestrator drives one plan to completion.
type Orchestrator struct {
	store  *plan.FileStore
	worker Worker
	cfg    Config
	logger *slog.Logger
}

func New(store *plan.FileStore, worker Worker, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		store:  store,
		worker: worker,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

type workerResult struct {
	subtaskID string
	agentID   string
	summary   string
	err       error
}

// Run schedules the plan until no subtask can make progress. The plan is
// mutated and persisted as subtasks move through their lifecycle. A
// cancelled context marks in-flight subtasks Interrupted and returns the
// context error; failed subtasks do not fail the run.
func (o *Orchestrator) Run(ctx context.Context, p *plan.TaskPlan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !o.cfg.SkipBlocked {
		o.blockUnsatisfiable(p)
	}

	sem := semaphore.NewWeighted(int64(o.cfg.MaxAgents))
	// Buffer one slot per worker so an early persist failure never strands
	// a worker on its result send.
	results := make(chan workerResult, o.cfg.MaxAgents)
	inflight := 0
	spawned := 0

	for {
		// A cancelled context stops new spawns; in-flight workers wind
		// down through the normal results path and land as Interrupted.
		if ctx.Err() == nil {
			for {
				st := o.nextReady(p)
				if st == nil || !sem.TryAcquire(1) {
					break
				}
				spawned++
				agentID := fmt.Sprintf("agent-%d", spawned)
				st.Status = plan.StatusInProgress
				st.AssignedAgentID = agentID
				if err := o.store.Save(p); err != nil {
					sem.Release(1)
					return fmt.Errorf("persist before spawn: %w", err)
				}

				job := o.jobFor(p, st, agentID)
				inflight++
				go func(id string) {
					defer sem.Release(1)
					summary, err := o.runWorker(ctx, job)
					results <- workerResult{subtaskID: id, agentID: job.AgentID, summary: summary, err: err}
				}(st.ID)
			}
		}

		if inflight == 0 {
			break
		}

		res := <-results
		inflight--
		if err := o.apply(p, res); err != nil {
			return err
		}
	}

	if err := o.store.Save(p); err != nil {
		return fmt.Errorf("persist final plan: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	counts := p.Counts()
	o.logger.Info("orchestration finished",
		"task", p.TaskID,
		"completed", counts[plan.StatusCompleted],
		"failed", counts[plan.StatusFailed],
		"blocked", counts[plan.StatusBlocked])
	return nil
}

// nextReady picks the Pending subtask with satisfied dependencies,
// preferring fewest dependents, then plan order.
func (o *Orchestrator) nextReady(p *plan.TaskPlan) *plan.Subtask {
	var candidates []*plan.Subtask
	for _, st := range p.Subtasks {
		if st.Status == plan.StatusPending && o.satisfied(p, st) {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return p.Dependents(candidates[i].ID) < p.Dependents(candidates[j].ID)
	})
	return candidates[0]
}

func (o *Orchestrator) satisfied(p *plan.TaskPlan, st *plan.Subtask) bool {
	for _, dep := range st.Dependencies {
		d, ok := p.Subtask(dep)
		if !ok {
			return false
		}
		switch d.Status {
		case plan.StatusCompleted:
		case plan.StatusFailed:
			if !o.cfg.SkipBlocked {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (o *Orchestrator) jobFor(p *plan.TaskPlan, st *plan.Subtask, agentID string) Job {
	job := Job{
		AgentID:      agentID,
		TaskID:       p.TaskID,
		Subtask:      *st,
		SystemPrompt: systemPromptFor(st.Type),
		Prompt:       userPromptFor(p, st),
	}
	if o.cfg.ObserverFor != nil {
		job.Observer = o.cfg.ObserverFor(agentID, st.ID)
	}
	return job
}

func (o *Orchestrator) runWorker(ctx context.Context, job Job) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	o.logger.Info("subtask started",
		"agent", job.AgentID, "subtask", job.Subtask.ID, "title", job.Subtask.Title)

	summary, err = o.worker.Run(ctx, job)
	if err != nil {
		o.logger.Warn("subtask failed", "agent", job.AgentID, "subtask", job.Subtask.ID, "error", err)
	} else {
		o.logger.Info("subtask completed", "agent", job.AgentID, "subtask", job.Subtask.ID)
	}
	return summary, err
}

// apply records one worker outcome and persists the plan.
func (o *Orchestrator) apply(p *plan.TaskPlan, res workerResult) error {
	st, ok := p.Subtask(res.subtaskID)
	if !ok {
		return fmt.Errorf("worker reported unknown subtask %q", res.subtaskID)
	}

	switch {
	case errors.Is(res.err, context.Canceled), errors.Is(res.err, context.DeadlineExceeded):
		st.Status = plan.StatusInterrupted
	case res.err != nil:
		st.Status = plan.StatusFailed
		st.Error = res.err.Error()
		if !o.cfg.SkipBlocked {
			o.blockUnsatisfiable(p)
		}
	default:
		st.Status = plan.StatusCompleted
		st.ResultSummary = res.summary
	}
	return o.store.Save(p)
}

// blockUnsatisfiable marks Pending subtasks Blocked when any dependency,
// directly or through other blocked work, can no longer complete.
func (o *Orchestrator) blockUnsatisfiable(p *plan.TaskPlan) {
	for changed := true; changed; {
		changed = false
		for _, st := range p.Subtasks {
			if st.Status != plan.StatusPending {
				continue
			}
			for _, dep := range st.Dependencies {
				d, ok := p.Subtask(dep)
				if ok && d.Status != plan.StatusFailed && d.Status != plan.StatusBlocked {
					continue
				}
				st.Status = plan.StatusBlocked
				changed = true
				break
			}
		}
	}
}
