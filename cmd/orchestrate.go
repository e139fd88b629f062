package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/coveyhq/covey/internal/agent"
	"github.com/coveyhq/covey/internal/orchestrator"
	"github.com/coveyhq/covey/internal/permissions"
	"github.com/coveyhq/covey/internal/providers"
)

func orchestrateCmd() *cobra.Command {
	var (
		dir       string
		maxAgents int
		skip      bool
		reset     bool
		retry     bool
		remote    bool
	)
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Execute the current plan with parallel agents",
		Long: "Loads the current plan and drives its subtasks to completion in\n" +
			"dependency order. Interrupted runs resume where they stopped; --retry\n" +
			"reopens failed and blocked subtasks, --reset starts the plan over.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrate(dir, maxAgents, skip, reset, retry, remote)
		},
	}
	cmd.Flags().StringVar(&dir, "plan-dir", "", "directory for plan files (default from config)")
	cmd.Flags().IntVar(&maxAgents, "max-agents", 0, "concurrent workers (default from config)")
	cmd.Flags().BoolVar(&skip, "skip", false, "run subtasks even when a dependency failed")
	cmd.Flags().BoolVar(&reset, "reset", false, "return every subtask to pending before running")
	cmd.Flags().BoolVar(&retry, "retry", false, "reopen failed, blocked and interrupted subtasks")
	cmd.Flags().BoolVar(&remote, "remote", false, "dispatch subtasks to configured peer agents")
	return cmd
}

func runOrchestrate(dir string, maxAgents int, skip, reset, retry, remote bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	store := planStore(cfg, dir)
	p, err := store.Load()
	if err != nil {
		return fmt.Errorf("load plan %s: %w", store.Path(), err)
	}

	if n := orchestrator.MarkInterrupted(p); n > 0 {
		logger.Info("reclassified interrupted subtasks", "count", n)
	}
	switch {
	case reset:
		logger.Info("plan reset", "subtasks", orchestrator.Reset(p))
	case retry:
		logger.Info("subtasks reopened", "count", orchestrator.Retry(p))
	}
	if err := store.Save(p); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}

	var worker orchestrator.Worker
	if remote {
		peers := peerClients(cfg)
		if len(peers) == 0 {
			return errors.New("--remote requires peers in the configuration")
		}
		worker = &orchestrator.RemoteWorker{Peers: peers, Poll: 2 * time.Second, Logger: logger}
	} else {
		var prompt permissions.PromptFunc
		if !cfg.Permissions.AutoApprove {
			prompt = terminalPrompt()
		}
		rt, err := buildRuntime(ctx, cfg, prompt, logger)
		if err != nil {
			return err
		}
		defer rt.Close()
		worker = &orchestrator.LoopWorker{
			Client:     rt.client,
			Sessions:   rt.sessions,
			Registry:   rt.registry,
			Dispatcher: rt.dispatcher,
			Summarizer: rt.summarizer,
			LoopConfig: rt.loopCfg,
			Logger:     logger,
		}
	}

	if maxAgents <= 0 {
		maxAgents = cfg.Orchestrator.MaxAgents
	}

	var outMu sync.Mutex
	orch := orchestrator.New(store, worker, orchestrator.Config{
		MaxAgents:   maxAgents,
		SkipBlocked: skip,
		ObserverFor: func(agentID, subtaskID string) agent.Observer {
			return workerObserver(agentID, subtaskID, &outMu)
		},
		Logger: logger,
	})

	runErr := orch.Run(ctx, p)

	fmt.Println()
	printPlan(p)

	if runErr != nil {
		if ctx.Err() != nil {
			fmt.Println("\ninterrupted; run \"covey orchestrate\" again to resume")
			return nil
		}
		return runErr
	}
	return nil
}

// workerObserver tags each worker's tool activity so concurrent output
// stays readable. Token streams are deliberately not printed.
func workerObserver(agentID, subtaskID string, mu *sync.Mutex) agent.Observer {
	tag := fmt.Sprintf("[%s %s]", agentID, subtaskID)
	return agent.Observer{
		OnToolCall: func(call providers.ToolCall) {
			mu.Lock()
			defer mu.Unlock()
			line := fmt.Sprintf("%s tool %s %s", tag, call.Name, call.Arguments)
			fmt.Fprintln(os.Stderr, runewidth.Truncate(line, toolLineWidth, "..."))
		},
		OnSummarization: func(string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(os.Stderr, "%s history compacted\n", tag)
		},
	}
}
