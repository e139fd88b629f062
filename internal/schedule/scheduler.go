// Package schedule submits configured prompts to the job runner when their
// cron expressions come due. Expressions are standard five-field cron; the
// loop ticks once per minute.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/coveyhq/covey/internal/bus"
	"github.com/coveyhq/covey/internal/config"
	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/pkg/protocol"
)

// Scheduler drives the scheduled_jobs entries from the gateway config.
type Scheduler struct {
	runner  *jobs.Runner
	entries []config.ScheduledJob
	pub     bus.EventPublisher
	gron    *gronx.Gronx
	logger  *slog.Logger

	now func() time.Time
}

// New validates every entry up front so a bad expression fails startup
// instead of being silently skipped for the life of the process.
func New(runner *jobs.Runner, entries []config.ScheduledJob, pub bus.EventPublisher, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gron := gronx.New()
	for _, e := range entries {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("scheduled job with cron %q has no name", e.Cron)
		}
		if !gron.IsValid(e.Cron) {
			return nil, fmt.Errorf("scheduled job %q: invalid cron %q", e.Name, e.Cron)
		}
		if strings.TrimSpace(e.Prompt) == "" {
			return nil, fmt.Errorf("scheduled job %q: empty prompt", e.Name)
		}
	}
	return &Scheduler{
		runner:  runner,
		entries: entries,
		pub:     pub,
		gron:    gron,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Run ticks at each minute boundary until ctx ends. Returns nil when there
// is nothing to schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		return nil
	}
	s.logger.Info("scheduler starting", "entries", len(s.entries))

	timer := time.NewTimer(s.untilNextMinute())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.runDue(ctx, s.now().Truncate(time.Minute))
			timer.Reset(s.untilNextMinute())
		}
	}
}

func (s *Scheduler) untilNextMinute() time.Duration {
	now := s.now()
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

// runDue submits every entry due at ref. A full queue fails that firing
// only; the entry stays scheduled.
func (s *Scheduler) runDue(ctx context.Context, ref time.Time) {
	for _, e := range s.entries {
		due, err := s.gron.IsDue(e.Cron, ref)
		if err != nil {
			s.logger.Warn("cron check failed", "schedule", e.Name, "error", err)
			continue
		}
		if !due {
			continue
		}

		job, err := s.runner.Submit(ctx, jobs.SubmitRequest{Prompt: e.Prompt, Model: e.Model})
		if err != nil {
			s.logger.Warn("scheduled submit failed", "schedule", e.Name, "error", err)
			continue
		}
		s.logger.Info("scheduled job submitted", "schedule", e.Name, "job_id", job.ID)
		if s.pub != nil {
			s.pub.Broadcast(bus.Event{
				Name:    protocol.EventSchedule,
				JobID:   job.ID,
				Payload: map[string]string{"schedule": e.Name},
			})
		}
	}
}
