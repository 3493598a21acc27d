package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/annexwatch/internal/config"
	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/metrics"
	"github.com/Aman-CERP/annexwatch/internal/reconcile"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
)

// Daemon is the annexwatch service.
type Daemon struct {
	cfg     Config
	app     *config.Config
	tracker tracker.Tracker
	logger  *slog.Logger
	fatal   func(error)
	noWatch bool

	// orch is set while Start runs.
	orch *reconcile.Orchestrator
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithAppConfig supplies the engine settings and the configured tree set.
func WithAppConfig(c *config.Config) Option {
	return func(d *Daemon) { d.app = c }
}

// WithTracker replaces the git-annex client.
func WithTracker(t tracker.Tracker) Option {
	return func(d *Daemon) { d.tracker = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithFatalHandler replaces the persistence failure handler.
func WithFatalHandler(fn func(error)) Option {
	return func(d *Daemon) { d.fatal = fn }
}

// WithoutWatching turns off filesystem watchers.
func WithoutWatching() Option {
	return func(d *Daemon) { d.noWatch = true }
}

// NewDaemon creates a daemon. Nothing is opened until Start.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, awerrors.ConfigError("invalid daemon configuration", err)
	}
	d := &Daemon{cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	if d.app == nil {
		d.app = config.NewConfig()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracker == nil {
		d.tracker = NewTracker(d.app)
	}
	return d, nil
}

// NewTracker builds the git-annex client described by c.
func NewTracker(c *config.Config) *tracker.Client {
	return tracker.New(tracker.Options{
		Runner:       tracker.ExecRunner{Binary: c.Tracker.GitBinary},
		Timeout:      c.CommandTimeout(),
		MaxFailures:  c.Tracker.MaxFailures,
		ResetTimeout: c.ResetTimeout(),
		NumCopiesTTL: c.NumCopiesTTL(),
	})
}

// Start runs the daemon until ctx is cancelled and then releases every
// resource. It returns ctx.Err() after a clean shutdown.
func (d *Daemon) Start(ctx context.Context) (err error) {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}

	lock := NewLock(d.cfg.LockPath)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	pid := NewPIDFile(d.cfg.PIDPath)
	if removed, err := pid.RemoveStale(); err != nil {
		return err
	} else if removed {
		d.logger.Info("stale_pidfile_removed", slog.String("path", d.cfg.PIDPath))
	}
	if err := pid.Write(Owner{Socket: d.cfg.SocketPath}); err != nil {
		return err
	}
	defer func() { _ = pid.Remove() }()

	st, err := store.NewSQLiteStore(d.cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			d.logger.Warn("store_close_failed", slog.String("error", cerr.Error()))
		}
	}()

	opts := reconcile.OptionsFromConfig(d.app, st, d.tracker, d.logger)
	opts.Fatal = d.fatal
	opts.DisableWatch = d.noWatch
	orch, err := reconcile.New(opts)
	if err != nil {
		return err
	}
	defer orch.Close()
	d.orch = orch

	if err := orch.Start(ctx); err != nil {
		return err
	}
	if err := orch.SyncTrees(ctx, d.app.Trees); err != nil {
		// Trees that failed stay out; the rest is served.
		d.logger.Warn("initial_tree_sync_incomplete", slog.String("error", err.Error()))
	}

	srv, err := NewServer(d.cfg.SocketPath)
	if err != nil {
		return err
	}
	srv.SetHandler(orch)

	d.logger.Info("daemon_started",
		slog.Int("pid", os.Getpid()),
		slog.String("socket", d.cfg.SocketPath),
		slog.String("database", d.cfg.DatabasePath),
		slog.Int("trees", len(d.app.Trees)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return orch.Run(gctx, d.cfg.ConfigPath)
	})
	if d.cfg.MetricsListen != "" {
		g.Go(func() error {
			return d.serveMetrics(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		d.logger.Error("daemon_failed", slog.String("error", err.Error()))
		return err
	}
	d.logger.Info("daemon_stopped")
	return ctx.Err()
}

// serveMetrics exposes the Prometheus registry until ctx is done.
func (d *Daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              d.cfg.MetricsListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("metrics_listening", slog.String("addr", d.cfg.MetricsListen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics listener: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGracePeriod)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
