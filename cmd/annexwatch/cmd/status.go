package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/annexwatch/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status [path]",
		Short: "Show daemon status or the cached status of a path",
		Long: `Without a path, show the daemon's status: uptime, watched trees, scan
progress, queue depths and circuit breaker states.

With a path, show the cached status of that file or folder: local presence,
copy sufficiency and, for folders, the counts found beneath it.

Examples:
  annexwatch status                  # Daemon overview
  annexwatch status ~/annex/photos   # One folder
  annexwatch status --json .         # Machine-readable`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), !ui.UseColor(cmd.OutOrStdout()))

			if len(args) == 0 {
				st, err := client.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to get status: %w", err)
				}
				if jsonOutput {
					return renderer.RenderJSON(st)
				}
				return renderer.Render(st)
			}

			abs, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}
			res, err := client.PathStatus(cmd.Context(), abs)
			if err != nil {
				return err
			}
			if jsonOutput {
				return renderer.RenderJSON(res)
			}
			return renderer.RenderPath(abs, res)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
