package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/annexwatch/internal/config"
	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/output"
	"github.com/Aman-CERP/annexwatch/internal/ui"
)

func newTreesCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "trees",
		Short: "List or change the watched trees",
		Long: `List the trees the daemon watches, or add and remove trees.

The tree set lives in the config file. A running daemon follows edits to
that file, so 'trees add' and 'trees remove' take effect without a restart.

Examples:
  annexwatch trees                     # List trees
  annexwatch trees add ~/annex         # Start watching a tree
  annexwatch trees remove ~/annex      # Stop watching and drop its cache`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTreesList(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.AddCommand(newTreesAddCmd())
	cmd.AddCommand(newTreesRemoveCmd())
	return cmd
}

func newTreesAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <path>",
		Short: "Add a tree to the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editTrees(cmd, args[0], true)
		},
	}
}

func newTreesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <path>",
		Aliases: []string{"rm"},
		Short:   "Remove a tree from the config file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editTrees(cmd, args[0], false)
		},
	}
}

// runTreesList asks the daemon when it is up and falls back to the config file.
func runTreesList(cmd *cobra.Command, jsonOutput bool) error {
	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), !ui.UseColor(cmd.OutOrStdout()))
	if client, err := connect(); err == nil {
		trees, err := client.Trees(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list trees: %w", err)
		}
		if jsonOutput {
			return renderer.RenderJSON(trees)
		}
		return renderer.RenderTrees(trees)
	} else if awerrors.GetCode(err) != awerrors.ErrCodeNotRunning {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if jsonOutput {
		return renderer.RenderJSON(cfg.Trees)
	}
	out := output.New(cmd.OutOrStdout())
	out.List("Daemon is not running; trees from "+cfg.Path(), cfg.Trees, "(none)")
	return nil
}

func editTrees(cmd *cobra.Command, path string, add bool) error {
	out := output.New(cmd.OutOrStdout())
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	root = config.NormalizeRoot(root)

	if add {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			return awerrors.New(awerrors.ErrCodeInvalidPath, "tree root is not a directory", err).
				WithDetail("root", root)
		}
		if !cfg.AddTree(root) {
			out.Status("", "Already watching "+root)
			return nil
		}
	} else if !cfg.RemoveTree(root) {
		return awerrors.New(awerrors.ErrCodeUnknownTree, "not a watched tree: "+root, nil).
			WithSuggestion("list trees with 'annexwatch trees'")
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if add {
		out.Success("Added " + root)
	} else {
		out.Success("Removed " + root)
	}
	out.KeyValue("Config", cfg.Path())
	return nil
}
