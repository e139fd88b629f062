package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coveyhq/covey/internal/agent"
	"github.com/coveyhq/covey/internal/bus"
	"github.com/coveyhq/covey/internal/config"
	"github.com/coveyhq/covey/internal/gateway"
	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/internal/providers"
	"github.com/coveyhq/covey/internal/schedule"
	"github.com/coveyhq/covey/internal/sessions"
	"github.com/coveyhq/covey/internal/telemetry"
	"github.com/coveyhq/covey/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent job service",
		Long: "Starts the HTTP job API, WebSocket event mirror, cron scheduler and\n" +
			"config hot-reload, then executes submitted jobs one at a time. There\n" +
			"is no terminal to answer permission prompts: tools run only if they\n" +
			"are read-only, pre-granted, or auto_approve is on.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Snapshot().Telemetry, Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(flushCtx)
	}()

	rt, err := buildRuntime(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	msgBus := bus.NewMessageBus()

	jobStore, closeStore, err := openJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	runner := jobs.NewRunner(jobStore, jobRunFunc(rt, msgBus, cfg, logger), msgBus, logger)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start job runner: %w", err)
	}

	info := protocol.AgentInfo{
		Name:         cfg.Agent.Name,
		Version:      Version,
		Capabilities: rt.registry.Names(),
	}
	gw := gateway.NewServer(cfg, msgBus, runner, info, logger)

	sched, err := schedule.New(runner, cfg.Gateway.ScheduledJobs, msgBus, logger)
	if err != nil {
		return fmt.Errorf("scheduled jobs: %w", err)
	}

	watcher, err := config.NewWatcher(resolveConfigPath(), cfg, func(*config.Config) {
		logger.Info("configuration reloaded")
	}, logger)
	if err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if days := cfg.Database.RetentionDays; days > 0 {
		g.Go(func() error { return pruneJobs(gctx, jobStore, time.Duration(days)*24*time.Hour, logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown, AgentID: cfg.Agent.Name})
		return nil
	})

	logger.Info("covey serving",
		"agent", cfg.Agent.Name, "addr", cfg.GatewayAddr(), "version", Version)

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if derr := runner.Shutdown(drainCtx); derr != nil {
		logger.Warn("job drain incomplete", "error", derr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// jobRunFunc adapts the agent loop to the job runner: each job gets its
// own session and a bus observer so gateway clients see the run live.
func jobRunFunc(rt *agentRuntime, pub bus.EventPublisher, cfg *config.Config, logger *slog.Logger) jobs.RunFunc {
	return func(ctx context.Context, job jobs.Job, journal func(string)) (string, error) {
		systemPrompt := job.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = defaultSystemPrompt(cfg)
		}
		sess, err := rt.sessions.GetOrCreate(ctx, sessions.JobKey(job.ID), systemPrompt)
		if err != nil {
			return "", fmt.Errorf("open job session: %w", err)
		}

		obs := agent.BusObserver(pub, job.ID, cfg.Agent.Name)
		busToolCall := obs.OnToolCall
		obs.OnToolCall = func(call providers.ToolCall) {
			if busToolCall != nil {
				busToolCall(call)
			}
			journal("tool " + call.Name)
		}

		loopCfg := rt.loopCfg
		if job.Model != "" {
			loopCfg.ModelID = job.Model
		}

		loop := agent.NewLoop(rt.client, sess, rt.registry, rt.dispatcher, rt.summarizer, loopCfg, obs, logger)
		content, err := loop.Run(ctx, job.Prompt)
		if err != nil {
			return content, err
		}
		sess.AppendAssistant(ctx, content, nil)
		return content, nil
	}
}

// pruneJobs drops finished jobs past the retention window, once at startup
// and then every six hours.
func pruneJobs(ctx context.Context, store jobs.Store, retention time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		if n, err := store.Prune(ctx, retention); err != nil {
			logger.Warn("job prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned finished jobs", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func openJobStore(ctx context.Context, cfg *config.Config) (jobs.Store, func(), error) {
	if path := cfg.Database.JobsPath; path != "" {
		s, err := jobs.OpenSQLite(ctx, config.ExpandHome(path))
		if err != nil {
			return nil, nil, fmt.Errorf("open job store: %w", err)
		}
		return s, func() { s.Close() }, nil
	}
	return jobs.NewMemoryStore(), func() {}, nil
}
