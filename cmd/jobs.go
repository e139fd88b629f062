package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/internal/peer"
	"github.com/coveyhq/covey/pkg/protocol"
)

func jobsCmd() *cobra.Command {
	var peerName string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage jobs on a running agent",
	}
	cmd.PersistentFlags().StringVar(&peerName, "peer", "", "target a configured peer instead of the local gateway")

	cmd.AddCommand(jobsSubmitCmd(&peerName))
	cmd.AddCommand(jobsListCmd(&peerName))
	cmd.AddCommand(jobsStatusCmd(&peerName))
	cmd.AddCommand(jobsCancelCmd(&peerName))
	return cmd
}

// jobClient targets the local gateway, or a configured peer by name.
func jobClient(peerName string) (*peer.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if peerName != "" {
		for _, p := range cfg.Peers {
			if p.Name == peerName {
				return peer.New(p.Name, p.URL, p.Token), nil
			}
		}
		return nil, fmt.Errorf("peer %q not in configuration", peerName)
	}

	return peer.New("local", "http://"+dialableAddr(cfg), cfg.Gateway.Token), nil
}

func jobsSubmitCmd(peerName *string) *cobra.Command {
	var (
		model        string
		systemPrompt string
		wait         bool
		follow       bool
	)
	cmd := &cobra.Command{
		Use:   "submit <prompt...>",
		Short: "Submit a prompt as a job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := jobClient(*peerName)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			id, err := c.Submit(ctx, jobs.SubmitRequest{
				Prompt:       strings.Join(args, " "),
				SystemPrompt: systemPrompt,
				Model:        model,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)

			if follow {
				if err := c.Events(ctx, id, func(f protocol.Frame) {
					renderFrame(os.Stdout, os.Stderr, f, "")
				}); err != nil && ctx.Err() == nil {
					return err
				}
				fmt.Println()
			}
			if wait || follow {
				job, err := c.WaitForResult(ctx, id, 2*time.Second)
				if err != nil {
					return err
				}
				return printJobOutcome(job, !follow)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "override the executing model")
	cmd.Flags().StringVar(&systemPrompt, "system", "", "override the system prompt")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job finishes and print the result")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream the job's events while it runs")
	return cmd
}

func jobsListCmd(peerName *string) *cobra.Command {
	var (
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := jobClient(*peerName)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			list, err := c.List(ctx, limit, offset)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, j := range list {
				age := time.Since(j.CreatedAt).Round(time.Second)
				line := fmt.Sprintf("%s  %-9s  %8s  %s", shortID(j.ID), j.Status, age, j.Prompt)
				fmt.Println(runewidth.Truncate(line, toolLineWidth, "..."))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "jobs to skip")
	return cmd
}

func jobsStatusCmd(peerName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job's status, journal and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := jobClient(*peerName)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			job, err := c.Job(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("job:     %s\n", job.ID)
			fmt.Printf("status:  %s\n", job.Status)
			fmt.Printf("created: %s\n", job.CreatedAt.Format(time.RFC3339))
			if job.StartedAt != nil {
				fmt.Printf("started: %s\n", job.StartedAt.Format(time.RFC3339))
			}
			if job.CompletedAt != nil {
				fmt.Printf("ended:   %s\n", job.CompletedAt.Format(time.RFC3339))
			}
			if len(job.Journal) > 0 {
				fmt.Println("journal:")
				for _, entry := range job.Journal {
					fmt.Printf("  %s\n", entry)
				}
			}
			return printJobOutcome(job, true)
		},
	}
}

func jobsCancelCmd(peerName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := jobClient(*peerName)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := c.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("cancelled")
			return nil
		},
	}
}

func printJobOutcome(job *jobs.Job, withResult bool) error {
	switch job.Status {
	case jobs.StatusFailed:
		return fmt.Errorf("job failed: %s", job.Error)
	case jobs.StatusCancelled:
		fmt.Fprintln(os.Stderr, "job cancelled")
		return nil
	}
	if withResult && job.Result != "" {
		fmt.Println(job.Result)
	}
	return nil
}
