package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/annexwatch/internal/output"
)

func newRescanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescan <path>",
		Short: "Force a full scan of the tree containing path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}
			treeID, err := client.Rescan(cmd.Context(), abs)
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Success(fmt.Sprintf("Full scan scheduled for tree %s", treeID))
			return nil
		},
	}
}

func newVisibleCmd() *cobra.Command {
	var hidden bool

	cmd := &cobra.Command{
		Use:   "visible <path>",
		Short: "Mark a folder as shown in a file browser",
		Long: `Mark a folder as visible so status queries for it and its entries
take the fast queue. Use --hidden to clear the mark.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}
			if err := client.SetVisible(cmd.Context(), abs, !hidden); err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			if hidden {
				out.Success("Hidden " + abs)
			} else {
				out.Success("Visible " + abs)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&hidden, "hidden", false, "Clear the visible mark")
	return cmd
}
