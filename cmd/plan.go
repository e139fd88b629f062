package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coveyhq/covey/internal/config"
	"github.com/coveyhq/covey/internal/plan"
	"github.com/coveyhq/covey/internal/providers"
)

func planCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Decompose a request into a dependency-ordered subtask plan",
	}
	cmd.PersistentFlags().StringVar(&dir, "plan-dir", "", "directory for plan files (default from config)")

	cmd.AddCommand(planNewCmd(&dir))
	cmd.AddCommand(planShowCmd(&dir))
	cmd.AddCommand(planClearCmd(&dir))
	return cmd
}

func planStore(cfg *config.Config, dir string) *plan.FileStore {
	if dir == "" {
		dir = config.ExpandHome(cfg.Orchestrator.PlanDir)
	}
	return plan.NewFileStore(filepath.Join(dir, "current-plan.json"))
}

func planNewCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "new <request...>",
		Short: "Ask the thinking model to plan the request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := slog.Default()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			client := providers.NewClient(cfg.Models.Host, cfg.Models.APIKey, time.Duration(cfg.Agent.HTTPTimeoutSec)*time.Second)
			dec := plan.NewDecomposer(client, cfg.Models.ThinkingModel(), logger)

			request := strings.Join(args, " ")
			p, err := dec.Decompose(ctx, request)
			if err != nil {
				return fmt.Errorf("decompose: %w", err)
			}

			store := planStore(cfg, *dir)
			if err := store.Save(p); err != nil {
				return fmt.Errorf("save plan: %w", err)
			}

			printPlan(p)
			fmt.Printf("\nwrote %s (and %s)\n", store.Path(), store.MarkdownPath())
			fmt.Println("run \"covey orchestrate\" to execute it")
			return nil
		},
	}
}

func planShowCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current plan and its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store := planStore(cfg, *dir)
			p, err := store.Load()
			if err != nil {
				return fmt.Errorf("no usable plan at %s: %w", store.Path(), err)
			}
			printPlan(p)
			return nil
		},
	}
}

func planClearCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard the current plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store := planStore(cfg, *dir)
			if _, err := os.Stat(store.Path()); os.IsNotExist(err) {
				fmt.Println("no plan to clear")
				return nil
			}
			if err := store.Remove(); err != nil {
				return fmt.Errorf("clear plan: %w", err)
			}
			fmt.Printf("removed %s\n", store.Path())
			return nil
		},
	}
}

func printPlan(p *plan.TaskPlan) {
	fmt.Printf("plan %s: %s\n", p.TaskID, p.Summary)
	fmt.Printf("request: %s\n", p.OriginalRequest)
	if p.RiskAssessment != "" {
		fmt.Printf("risk: %s\n", p.RiskAssessment)
	}
	fmt.Printf("recommended agents: %d\n\n", p.RecommendedAgentCount)

	for _, st := range p.Subtasks {
		fmt.Printf("%s %-8s [%-11s] %s", statusGlyph(st.Status), st.ID, st.Type, st.Title)
		if len(st.Dependencies) > 0 {
			fmt.Printf(" (after %s)", strings.Join(st.Dependencies, ", "))
		}
		fmt.Println()
		if st.Error != "" {
			fmt.Printf("      error: %s\n", st.Error)
		}
	}

	fmt.Printf("\n%d/%d completed", p.Counts()[plan.StatusCompleted], len(p.Subtasks))
	if ready := p.Ready(); len(ready) > 0 {
		ids := make([]string, len(ready))
		for i, st := range ready {
			ids[i] = st.ID
		}
		fmt.Printf(", ready to run: %s", strings.Join(ids, ", "))
	} else if p.Done() {
		fmt.Print(", nothing left to run")
	}
	fmt.Println()
}

func statusGlyph(s plan.Status) string {
	switch s {
	case plan.StatusCompleted:
		return "[x]"
	case plan.StatusInProgress:
		return "[~]"
	case plan.StatusFailed, plan.StatusBlocked:
		return "[!]"
	case plan.StatusInterrupted:
		return "[?]"
	default:
		return "[ ]"
	}
}
