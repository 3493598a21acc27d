package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/annexwatch/internal/reconcile"
)

func newWatchCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print status change notifications",
		Long: `Subscribe to the daemon and print every notification until interrupted.

With --json each notification is printed as one JSON object per line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := cmd.OutOrStdout()
			enc := json.NewEncoder(w)
			return client.Subscribe(ctx, func(n reconcile.Notification) error {
				if jsonOutput {
					return enc.Encode(n)
				}
				_, err := fmt.Fprintln(w, formatNotification(n))
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output NDJSON")
	return cmd
}

// formatNotification renders n as one line.
func formatNotification(n reconcile.Notification) string {
	var sb strings.Builder
	sb.WriteString(time.Unix(n.Timestamp, 0).Format("15:04:05"))
	sb.WriteString(" ")
	sb.WriteString(n.Type)
	if n.TreeID != "" {
		sb.WriteString(" tree=")
		sb.WriteString(n.TreeID)
	}
	if len(n.Paths) > 0 {
		sb.WriteString(" ")
		sb.WriteString(strings.Join(n.Paths, " "))
	}
	return sb.String()
}
