package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/coveyhq/covey/internal/config"
	"github.com/coveyhq/covey/internal/permissions"
)

func permissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Inspect and revoke standing tool grants",
	}
	cmd.AddCommand(permissionsListCmd())
	cmd.AddCommand(permissionsRevokeCmd())
	return cmd
}

func permissionStorePath() string {
	return config.ExpandHome("~/.covey/permissions.json")
}

// grantScope loads the allowlist plus the workspace path grants are keyed
// on, which is what the arbiter uses when it persists one.
func grantScope() (string, *permissions.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", nil, err
	}
	store, err := permissions.OpenStore(permissionStorePath())
	if err != nil {
		return "", nil, err
	}
	return cfg.WorkspacePath(), store, nil
}

func permissionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tools always allowed in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, store, err := grantScope()
			if err != nil {
				return err
			}
			grants := store.Grants(repo)
			if len(grants) == 0 {
				fmt.Println("no standing grants")
				return nil
			}
			sort.Strings(grants)
			for _, tool := range grants {
				fmt.Println(tool)
			}
			return nil
		},
	}
}

func permissionsRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <tool>",
		Short: "Withdraw a standing grant so the tool prompts again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, store, err := grantScope()
			if err != nil {
				return err
			}
			if err := store.Revoke(repo, args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	}
}
