package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/coveyhq/covey/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or update the covey configuration interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	path := resolveConfigPath()

	// Start from the existing file so re-running init edits in place.
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "existing config unreadable (%v), starting fresh\n", err)
		cfg = config.Default()
	}

	host := cfg.Models.Host
	model := cfg.Models.Default
	workspace := cfg.Agent.Workspace
	restrict := cfg.Agent.RestrictToWorkspace

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Model endpoint").
				Description("Any OpenAI-compatible base URL (LM Studio, Ollama, vLLM, ...)").
				Placeholder("http://localhost:1234").
				Value(&host),
			huh.NewInput().
				Title("Default model id").
				Placeholder("qwen3-coder-30b").
				Value(&model),
			huh.NewInput().
				Title("Workspace directory").
				Description("Where the agent reads, writes and runs code").
				Placeholder("~/.covey/workspace").
				Value(&workspace),
			huh.NewConfirm().
				Title("Restrict file and process tools to the workspace?").
				Value(&restrict),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if host != "" {
		cfg.Models.Host = host
	}
	if model != "" {
		cfg.Models.Default = model
	}
	if workspace != "" {
		cfg.Agent.Workspace = workspace
	}
	cfg.Agent.RestrictToWorkspace = restrict

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Println("set COVEY_API_KEY in the environment if your endpoint needs one")
	return nil
}
