package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage channel pairing requests",
	}
	cmd.AddCommand(pairingApproveCmd())
	return cmd
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Approve a pending pairing code for a channel",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			channel, code := args[0], args[1]

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Println("failed to load config:", err)
				return
			}
			workspace := config.ExpandHome(cfg.Agent.Workspace)
			if !filepath.IsAbs(workspace) {
				workspace, _ = filepath.Abs(workspace)
			}

			pairingStore := store.NewFileStore(filepath.Join(workspace, ".pairing"))
			senderID, err := pairingStore.Approve(channel, code)
			if err != nil {
				fmt.Println("approval failed:", err)
				return
			}
			fmt.Printf("approved %s on %s\n", senderID, channel)
		},
	}
}
