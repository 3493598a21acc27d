package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/annexwatch/internal/logging"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	logFile string
}

func newLogsCmd() *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View daemon logs",
		Long: `View and tail the daemon log (~/.annexwatch/logs/annexwatch.log).

By default, shows the last 50 records. Use -f to follow new records in
real time (like 'tail -f').

Examples:
  annexwatch logs                    # Show last 50 records
  annexwatch logs -n 200             # Show last 200 records
  annexwatch logs -f                 # Follow in real time
  annexwatch logs --level warn       # Only warnings and errors
  annexwatch logs --filter scan_     # Filter by pattern`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of records to show")
	cmd.Flags().StringVar(&opts.level, "level", "debug", "Minimum log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Filter by keyword/pattern (regex)")
	cmd.Flags().StringVar(&opts.logFile, "file", "", "Path to log file")
	return cmd
}

func runLogs(ctx context.Context, out, errOut io.Writer, opts logsOptions) error {
	path, err := logging.FindLogFile(opts.logFile)
	if err != nil {
		return err
	}

	var pattern *regexp.Regexp
	if opts.filter != "" {
		pattern, err = regexp.Compile(opts.filter)
		if err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
	}
	emit := func(e logging.Entry) {
		line := logging.FormatEntry(e)
		if pattern != nil && !pattern.MatchString(line) {
			return
		}
		_, _ = fmt.Fprintln(out, line)
	}

	_, _ = fmt.Fprintf(errOut, "Log file: %s\n", path)
	if opts.follow {
		_, _ = fmt.Fprintln(errOut, "Following... (Ctrl+C to stop)")
	}
	_, _ = fmt.Fprintln(errOut, "---")

	entries, err := logging.Tail(path, opts.lines, opts.level)
	if err != nil {
		return err
	}
	for _, e := range entries {
		emit(e)
	}
	if !opts.follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return logging.Follow(ctx, path, opts.level, emit)
}
