package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/annexwatch/internal/config"
	"github.com/Aman-CERP/annexwatch/internal/daemon"
	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/logging"
	"github.com/Aman-CERP/annexwatch/internal/output"
	"github.com/Aman-CERP/annexwatch/internal/preflight"
)

func newRunCmd() *cobra.Command {
	var background bool
	var noWatch bool
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the annexwatch daemon",
		Long: `Run the daemon in the foreground until interrupted.

The daemon takes the data directory lock, loads the configured trees,
scans them and keeps their status current from filesystem events and
periodic rechecks. Clients talk to it over a Unix socket.

Examples:
  annexwatch run                # Run in foreground
  annexwatch run --background   # Detach and return once the socket is up
  annexwatch run --no-watch     # Rely on periodic rechecks only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if background {
				return runBackground(cmd, noWatch, skipCheck)
			}
			return runForeground(cmd.Context(), cmd, noWatch, skipCheck)
		},
	}

	cmd.Flags().BoolVarP(&background, "background", "b", false, "Detach from the terminal")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable filesystem watchers")
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip the system checks")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Long: `Stop the running daemon.

Sends SIGTERM to the daemon process for graceful shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd)
		},
	}
}

// daemonLogConfig returns the daemon's file logger settings.
func daemonLogConfig(cfg *config.Config) logging.Config {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Server.LogLevel
	if debugMode {
		logCfg.Level = "debug"
	}
	return logCfg
}

func runForeground(ctx context.Context, cmd *cobra.Command, noWatch, skipCheck bool) error {
	out := output.New(cmd.ErrOrStderr())
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !skipCheck {
		if err := runPreflight(ctx, cfg); err != nil {
			return err
		}
	}

	logger, cleanup, err := logging.Setup(daemonLogConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	opts := []daemon.Option{
		daemon.WithAppConfig(cfg),
		daemon.WithLogger(logger),
	}
	if noWatch {
		opts = append(opts, daemon.WithoutWatching())
	}
	dcfg := daemon.FromConfig(cfg)
	d, err := daemon.NewDaemon(dcfg, opts...)
	if err != nil {
		return err
	}

	out.KeyValue("Socket", dcfg.SocketPath)
	out.KeyValue("Logs", logging.DefaultLogPath())
	out.KeyValue("Trees", len(cfg.Trees))
	out.Status("", "Press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = d.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runBackground(cmd *cobra.Command, noWatch, skipCheck bool) error {
	out := output.New(cmd.OutOrStdout())
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := daemon.NewClient(daemon.FromConfig(cfg))
	if client.IsRunning() {
		out.Status("", "Daemon is already running")
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if debugMode {
		args = append(args, "--debug")
	}
	if noWatch {
		args = append(args, "--no-watch")
	}
	if skipCheck {
		args = append(args, "--skip-check")
	}

	bg := exec.Command(execPath, args...)
	bg.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := bg.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Reap the child and notice an early exit.
	done := make(chan error, 1)
	go func() { done <- bg.Wait() }()

	for range 50 {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon process exited unexpectedly: %w", err)
			}
			return fmt.Errorf("daemon process exited unexpectedly with code 0")
		default:
		}

		time.Sleep(100 * time.Millisecond)
		if client.IsRunning() {
			out.Success(fmt.Sprintf("Daemon started (pid: %d)", bg.Process.Pid))
			return nil
		}
	}
	return fmt.Errorf("daemon failed to start within timeout")
}

// runPreflight runs the required system checks unless they already passed
// for this version in the data directory.
func runPreflight(ctx context.Context, cfg *config.Config) error {
	dataDir := cfg.Storage.DataDir
	if !preflight.NeedsCheck(dataDir) {
		return nil
	}
	checker := newChecker(cfg.Tracker.GitBinary)
	results := checker.RunRequired(ctx, cfg)
	for _, r := range results {
		if r.IsCritical() {
			slog.Error("preflight_failed", slog.String("check", r.Name), slog.String("message", r.Message))
			return awerrors.New(awerrors.ErrCodeInternal, fmt.Sprintf("system check %s failed: %s", r.Name, r.Message), nil).
				WithSuggestion("run 'annexwatch doctor' for details, or pass --skip-check")
		}
	}
	if err := preflight.MarkPassed(dataDir); err != nil {
		slog.Debug("preflight_mark_failed", slog.String("error", err.Error()))
	}
	return nil
}

func runStop(cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.NewPIDFile(cfg.PIDPath())
	owner, ok := pidFile.Alive()
	if !ok {
		out.Status("", "Daemon is not running")
		return nil
	}
	if err := pidFile.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	for range 100 {
		time.Sleep(100 * time.Millisecond)
		if _, ok := pidFile.Alive(); !ok {
			out.Success(fmt.Sprintf("Daemon stopped (was pid %d, up %s)",
				owner.PID, time.Since(owner.Started).Round(time.Second)))
			return nil
		}
	}
	return fmt.Errorf("daemon (pid %d) did not exit within 10s", owner.PID)
}
