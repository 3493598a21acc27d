package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/annexwatch/internal/async"
	"github.com/Aman-CERP/annexwatch/internal/config"
	"github.com/Aman-CERP/annexwatch/internal/daemon"
	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/reconcile"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
	"github.com/Aman-CERP/annexwatch/internal/ui"
)

// newTracker builds the tracker used by offline scans. Tests replace it.
var newTracker = func(cfg *config.Config) tracker.Tracker {
	return daemon.NewTracker(cfg)
}

const scanPollInterval = 100 * time.Millisecond

type scanOptions struct {
	full  bool
	plain bool
}

func newScanCmd() *cobra.Command {
	var opts scanOptions

	cmd := &cobra.Command{
		Use:   "scan [path...]",
		Short: "Scan trees once without the daemon",
		Long: `Bring the status store up to date for the given trees, or for every
configured tree when no path is given, and exit.

The scan takes the same lock as the daemon, so it refuses to run while the
daemon is up. Trees scanned before get an incremental scan unless --full
is given.

Examples:
  annexwatch scan                # All configured trees
  annexwatch scan ~/annex        # One tree
  annexwatch scan --full ~/annex # Rebuild from scratch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), cmd, args, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.full, "full", false, "Force a full scan")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "Plain progress output (no TUI)")
	return cmd
}

func runScan(ctx context.Context, cmd *cobra.Command, args []string, opts scanOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	roots := cfg.Trees
	if len(args) > 0 {
		roots = make([]string, 0, len(args))
		for _, a := range args {
			abs, err := filepath.Abs(a)
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", a, err)
			}
			roots = append(roots, config.NormalizeRoot(abs))
		}
	}
	if len(roots) == 0 {
		return awerrors.New(awerrors.ErrCodeInvalidInput, "no trees to scan", nil).
			WithSuggestion("pass a path or add one with 'annexwatch trees add <path>'")
	}

	lock := daemon.NewLock(cfg.LockPath())
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	st, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A persistence failure ends the run instead of exiting the process.
	fatalCh := make(chan error, 1)
	ropts := reconcile.OptionsFromConfig(cfg, st, newTracker(cfg), slog.Default())
	ropts.DisableWatch = true
	ropts.Fatal = func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
		cancel()
	}
	orch, err := reconcile.New(ropts)
	if err != nil {
		return err
	}
	defer orch.Close()

	uiCfg := ui.NewConfig(cmd.OutOrStdout())
	uiCfg.ForcePlain = opts.plain
	uiCfg.Title = scanTitle(roots)
	renderer := ui.NewRenderer(uiCfg)
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = renderer.Stop() }()

	started := time.Now()
	ids := make(map[string]bool, len(roots))
	for _, root := range roots {
		t, err := orch.AddTree(ctx, root)
		if err != nil {
			renderer.AddError(ui.ErrorEvent{Tree: root, Err: err})
			continue
		}
		ids[t.ID] = true
		if opts.full {
			if _, err := orch.Rescan(root); err != nil {
				renderer.AddError(ui.ErrorEvent{Tree: root, Err: err})
			}
		}
	}
	if len(ids) == 0 {
		return awerrors.New(awerrors.ErrCodeInvalidInput, "none of the trees could be added", nil)
	}

	settled := make(chan struct{})
	go func() {
		orch.Settle()
		close(settled)
	}()

	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-settled:
			break wait
		case <-ctx.Done():
			break wait
		case <-ticker.C:
			reportProgress(ctx, orch, ids, renderer)
		}
	}

	select {
	case err := <-fatalCh:
		return err
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	status, err := orch.Status(ctx)
	if err != nil {
		return err
	}
	stats, failed := summarize(status, ids, renderer)
	stats.Duration = time.Since(started)
	renderer.Complete(stats)
	if failed > 0 {
		return awerrors.New(awerrors.ErrCodeScanAbort, fmt.Sprintf("%d of %d trees failed to scan", failed, len(ids)), nil).
			WithSuggestion("see the log with 'annexwatch logs --level warn'")
	}
	return nil
}

func reportProgress(ctx context.Context, orch *reconcile.Orchestrator, ids map[string]bool, r ui.Renderer) {
	status, err := orch.Status(ctx)
	if err != nil {
		return
	}
	for _, t := range status.Trees {
		if !ids[t.ID] {
			continue
		}
		if ev, ok := ui.ProgressFromSnapshot(t.Root, t.Scan); ok {
			r.UpdateProgress(ev)
		} else if t.Scan.Status == string(async.StatusDone) {
			r.UpdateProgress(ui.ProgressEvent{Tree: t.Root, Stage: ui.StageComplete})
		}
	}
}

// summarize folds the final tree reports of ids into completion stats and
// reports aborted scans to r.
func summarize(status reconcile.Status, ids map[string]bool, r ui.Renderer) (ui.CompletionStats, int) {
	var stats ui.CompletionStats
	failed := 0
	for _, t := range status.Trees {
		if !ids[t.ID] {
			continue
		}
		stats.Trees++
		stats.Directories += t.Scan.Directories
		stats.Files += t.Scan.Files
		stats.Passes += t.Scan.Passes
		stats.Rows += t.Stats.Rows
		stats.Tracked += t.Stats.Tracked
		stats.Dirty += t.Stats.Dirty
		if t.Scan.Status == string(async.StatusAborted) {
			failed++
			stats.Errors++
			r.AddError(ui.ErrorEvent{Tree: t.Root, Err: errors.New(t.Scan.ErrorMessage)})
		}
	}
	return stats, failed
}

func scanTitle(roots []string) string {
	if len(roots) == 1 {
		return roots[0]
	}
	return fmt.Sprintf("%d trees", len(roots))
}
