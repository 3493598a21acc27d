// Package cmd provides the CLI commands for annexwatch.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/annexwatch/internal/config"
	"github.com/Aman-CERP/annexwatch/internal/daemon"
	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/logging"
	"github.com/Aman-CERP/annexwatch/internal/output"
	"github.com/Aman-CERP/annexwatch/internal/profiling"
	"github.com/Aman-CERP/annexwatch/pkg/version"
)

// Global flags
var (
	configPath     string
	debugMode      bool
	loggingCleanup func()

	profileOpts profiling.Options
	profile     *profiling.Session
)

// NewRootCmd creates the root command for the annexwatch CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annexwatch",
		Short: "Keep a live cache of git-annex file and folder status",
		Long: `annexwatch watches git-annex working trees and keeps a persistent cache of
per-file and per-folder status: whether content is present locally and
whether enough copies exist elsewhere.

Run 'annexwatch run' to start the daemon, then query it with
'annexwatch status <path>'.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("annexwatch version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.config/annexwatch/config.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.annexwatch/logs/")

	cmd.PersistentFlags().StringVar(&profileOpts.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newTreesCmd())
	cmd.AddCommand(newRescanCmd())
	cmd.AddCommand(newVisibleCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging starts the requested profiles and routes library
// logs to stderr at warn level, or to the log file at debug level with
// --debug. The run command installs its own logger.
func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if profileOpts.Enabled() {
		s, err := profiling.Start(profileOpts)
		if err != nil {
			return err
		}
		profile = s
	}

	cfg := logging.StderrConfig("warn")
	if debugMode {
		cfg = logging.DebugConfig()
		cfg.WriteToStderr = false
	}
	cleanup, err := logging.SetupDefault(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	if debugMode {
		slog.Debug("debug_logging_enabled", slog.String("log_file", cfg.FilePath))
	}
	return nil
}

// stopProfilingAndLogging flushes profiles, writing the heap profile last.
func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	var err error
	if profile != nil {
		err = profile.Stop()
		profile = nil
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

// Execute runs the root command and reports a failure on stderr.
func Execute() error {
	root := NewRootCmd()
	err := root.ExecuteContext(context.Background())
	if err != nil {
		output.New(os.Stderr).Fail(err)
	}
	return err
}

// loadConfig loads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// connect returns a client for the configured daemon, or an error telling
// the user how to start it.
func connect() (*daemon.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	client := daemon.NewClient(daemon.FromConfig(cfg))
	if !client.IsRunning() {
		return nil, awerrors.New(awerrors.ErrCodeNotRunning, "the annexwatch daemon is not running", nil).
			WithDetail("socket", cfg.SocketPath()).
			WithSuggestion("start it with 'annexwatch run'")
	}
	return client, nil
}
