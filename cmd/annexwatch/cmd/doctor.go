package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/output"
	"github.com/Aman-CERP/annexwatch/internal/preflight"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
	"github.com/Aman-CERP/annexwatch/internal/ui"
)

// newChecker builds the preflight checker. Tests replace it.
var newChecker = func(gitBinary string) *preflight.Checker {
	return preflight.New(preflight.WithRunner(tracker.ExecRunner{Binary: gitBinary}))
}

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this system can run annexwatch",
		Long: `Run the system checks: git and git-annex are installed, the data
directory is writable with free space, file descriptor and inotify limits
are sufficient and every configured tree exists.

'annexwatch run' runs the required checks once per version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			checker := newChecker(cfg.Tracker.GitBinary)
			results := checker.RunAll(cmd.Context(), cfg)

			if jsonOutput {
				renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), true)
				if err := renderer.RenderJSON(results); err != nil {
					return err
				}
			} else {
				printChecks(output.New(cmd.OutOrStdout()), checker, results, verbose)
			}
			if checker.HasCriticalFailures(results) {
				return awerrors.New(awerrors.ErrCodeInternal, "system check failed", nil).
					WithSuggestion("fix the failed checks above and run 'annexwatch doctor' again")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show check details")
	return cmd
}

func printChecks(out *output.Writer, checker *preflight.Checker, results []preflight.CheckResult, verbose bool) {
	for _, r := range results {
		line := fmt.Sprintf("%s: %s", r.Name, r.Message)
		switch {
		case r.Status == preflight.StatusPass:
			out.Success(line)
		case r.IsCritical():
			out.Error(line)
		default:
			out.Warning(line)
		}
		if r.Details != "" && (verbose || r.Status != preflight.StatusPass) {
			out.Status("", "    "+r.Details)
		}
	}
	out.Newline()
	out.KeyValue("Status", strings.ToUpper(checker.SummaryStatus(results)))
}
