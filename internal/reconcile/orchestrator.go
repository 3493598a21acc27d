// Package reconcile wires the reconciliation engine together: one engine
// per watched tree with its scan, aggregation and notification coalescers,
// the shared status-query workers and the upward notification stream.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/annexwatch/internal/aggregate"
	"github.com/Aman-CERP/annexwatch/internal/async"
	"github.com/Aman-CERP/annexwatch/internal/config"
	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/metrics"
	"github.com/Aman-CERP/annexwatch/internal/request"
	"github.com/Aman-CERP/annexwatch/internal/scan"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
	"github.com/Aman-CERP/annexwatch/internal/watcher"
)

// lookupCacheSize bounds the absolute path to tree cache.
const lookupCacheSize = 4096

// ErrUnknownTree is returned for paths outside every watched tree.
var ErrUnknownTree = awerrors.New(awerrors.ErrCodeUnknownTree, "path is not inside a watched tree", nil)

// repositoryChecker is implemented by tracker clients that can validate a root.
type repositoryChecker interface {
	IsRepository(ctx context.Context, root string) error
}

// Options configures an Orchestrator.
type Options struct {
	Store   store.Store
	Tracker tracker.Tracker
	Logger  *slog.Logger

	BatchSize        int
	DirectoryWorkers int
	FileWorkers      int

	// Watch configures per-tree watchers. Watching is off when DisableWatch is set.
	Watch        watcher.Options
	DisableWatch bool

	NotifyDebounce  time.Duration
	RecheckInterval time.Duration

	// Fatal is called once with the first persistence failure. The default
	// logs it and exits with the error's exit status (74 for a failed write).
	Fatal func(error)
}

// OptionsFromConfig maps a loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config, st store.Store, tr tracker.Tracker, logger *slog.Logger) Options {
	return Options{
		Store:            st,
		Tracker:          tr,
		Logger:           logger,
		BatchSize:        cfg.Scan.BatchSize,
		DirectoryWorkers: cfg.Queues.DirectoryWorkers,
		FileWorkers:      cfg.Queues.FileWorkers,
		Watch: watcher.Options{
			DebounceWindow: cfg.WatchDebounce(),
			MaxWait:        cfg.WatchMaxWait(),
			PollInterval:   cfg.PollInterval(),
			ForcePolling:   cfg.Watch.ForcePolling,
		},
		NotifyDebounce:  cfg.NotifyDebounce(),
		RecheckInterval: cfg.RecheckInterval(),
	}
}

// Orchestrator routes triggers (filesystem events, periodic rechecks,
// configuration changes and client calls) to the per-tree engines.
type Orchestrator struct {
	opts    Options
	store   store.Store
	tracker tracker.Tracker
	logger  *slog.Logger

	scanning *PathSet
	visible  *VisibleSet
	workers  *Workers
	agg      *aggregate.Aggregator
	full     *scan.FullScanner
	inc      *scan.IncrementalScanner
	events   *Broadcaster
	lookups  *lru.Cache[string, string]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	engines map[string]*engine

	fatalOnce sync.Once
	started   time.Time
}

// New creates an Orchestrator. Call Start to load the persisted trees.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Tracker == nil {
		return nil, awerrors.InternalError("orchestrator needs a store and a tracker", nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fatal == nil {
		logger := opts.Logger
		opts.Fatal = func(err error) {
			logger.Error("persistence_failure", slog.String("error", err.Error()))
			os.Exit(awerrors.ExitCode(err))
		}
	}

	lookups, err := lru.New[string, string](lookupCacheSize)
	if err != nil {
		return nil, awerrors.InternalError("create lookup cache", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:     opts,
		store:    opts.Store,
		tracker:  opts.Tracker,
		logger:   opts.Logger,
		scanning: NewPathSet(),
		visible:  NewVisibleSet(),
		events:   NewBroadcaster(),
		lookups:  lookups,
		ctx:      ctx,
		cancel:   cancel,
		engines:  make(map[string]*engine),
		started:  time.Now(),
	}

	o.workers, err = NewWorkers(WorkersConfig{
		Store:            o.store,
		Tracker:          o.tracker,
		Logger:           o.logger,
		DirectoryWorkers: opts.DirectoryWorkers,
		FileWorkers:      opts.FileWorkers,
		Root:             o.rootOf,
		Written:          o.written,
		Fatal:            o.fatal,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	o.agg = aggregate.New(o.store, o.tracker, o.workers, o.logger)
	o.full = scan.NewFullScanner(scan.FullConfig{
		Store:      o.store,
		Tracker:    o.tracker,
		Aggregator: o.agg,
		Claims:     o.scanning,
		BatchSize:  opts.BatchSize,
		Logger:     o.logger,
	})
	o.inc = scan.NewIncrementalScanner(o.store, o.tracker, o.workers, o.visible, o.logger)
	o.store.SetWriteHook(o.onWrite)
	return o, nil
}

// Start brings up an engine for every persisted tree and schedules a scan
// of each: a full one for trees never scanned, an incremental one otherwise.
func (o *Orchestrator) Start(ctx context.Context) error {
	trees, err := o.store.ListTrees(ctx)
	if err != nil {
		return err
	}
	for _, t := range trees {
		o.startEngine(t)
	}
	o.publishTrees()
	return nil
}

// Run blocks until ctx is cancelled, running the periodic recheck and, when
// configPath is set, reconciling the tree set with configuration changes.
func (o *Orchestrator) Run(ctx context.Context, configPath string) error {
	g, ctx := errgroup.WithContext(ctx)

	if d := o.opts.RecheckInterval; d > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(d)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					o.Recheck()
				}
			}
		})
	}

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, func(cfg *config.Config) {
				if err := o.SyncTrees(ctx, cfg.Trees); err != nil {
					o.logger.Warn("tree_sync_failed", slog.String("error", err.Error()))
				}
			})
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Recheck triggers a scan of every tree.
func (o *Orchestrator) Recheck() {
	for _, e := range o.engineList() {
		e.scan.Trigger()
	}
}

func (o *Orchestrator) startEngine(t *store.Tree) *engine {
	o.mu.Lock()
	if e, ok := o.engines[t.ID]; ok {
		o.mu.Unlock()
		return e
	}
	e := newEngine(o.ctx, o, t)
	o.engines[t.ID] = e
	n := len(o.engines)
	o.mu.Unlock()

	metrics.SetWatchedTrees(n)
	o.lookups.Purge()
	if !o.opts.DisableWatch {
		if err := e.startWatching(o.opts.Watch); err != nil {
			e.logger.Warn("watcher_start_failed", slog.String("error", err.Error()))
		}
	}
	e.scan.Trigger()
	return e
}

// AddTree starts watching root. Adding a watched root again is a no-op.
func (o *Orchestrator) AddTree(ctx context.Context, root string) (*store.Tree, error) {
	root = config.NormalizeRoot(root)
	if t, err := o.store.GetTreeByRoot(ctx, root); err != nil {
		return nil, err
	} else if t != nil {
		o.startEngine(t)
		return t, nil
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, awerrors.New(awerrors.ErrCodeInvalidPath, "tree root is not accessible", err).
			WithDetail("root", root)
	}
	if !info.IsDir() {
		return nil, awerrors.New(awerrors.ErrCodeInvalidPath, "tree root is not a directory", nil).
			WithDetail("root", root)
	}
	if rc, ok := o.tracker.(repositoryChecker); ok {
		if err := rc.IsRepository(ctx, root); err != nil {
			return nil, err
		}
	}

	t := &store.Tree{RootPath: root}
	if err := o.store.SaveTree(ctx, t); err != nil {
		o.escalate(err)
		return nil, err
	}
	o.logger.Info("tree_added", slog.String("tree", t.ID), slog.String("root", root))
	o.startEngine(t)
	o.publishTrees()
	return t, nil
}

// RemoveTree stops watching root and drops its rows.
func (o *Orchestrator) RemoveTree(ctx context.Context, root string) error {
	root = config.NormalizeRoot(root)
	t, err := o.store.GetTreeByRoot(ctx, root)
	if err != nil {
		return err
	}
	if t == nil {
		return awerrors.New(awerrors.ErrCodeUnknownTree, "tree is not watched", nil).WithDetail("root", root)
	}

	o.mu.Lock()
	e := o.engines[t.ID]
	delete(o.engines, t.ID)
	n := len(o.engines)
	o.mu.Unlock()
	if e != nil {
		e.close()
		e.wait()
	}
	metrics.SetWatchedTrees(n)
	o.visible.Forget(t.ID)
	o.lookups.Purge()

	if err := o.store.DeleteTree(ctx, t.ID); err != nil {
		o.escalate(err)
		return err
	}
	o.logger.Info("tree_removed", slog.String("tree", t.ID), slog.String("root", root))
	o.publishTrees()
	return nil
}

// SyncTrees adds and removes trees until exactly roots are watched.
func (o *Orchestrator) SyncTrees(ctx context.Context, roots []string) error {
	want := make(map[string]bool, len(roots))
	for _, r := range roots {
		want[config.NormalizeRoot(r)] = true
	}
	current, err := o.store.ListTrees(ctx)
	if err != nil {
		return err
	}

	var errs []error
	have := make(map[string]bool, len(current))
	for _, t := range current {
		have[t.RootPath] = true
		if !want[t.RootPath] {
			if err := o.RemoveTree(ctx, t.RootPath); err != nil {
				errs = append(errs, err)
			}
		}
	}
	added := make([]string, 0, len(want))
	for r := range want {
		if !have[r] {
			added = append(added, r)
		}
	}
	sort.Strings(added)
	for _, r := range added {
		if _, err := o.AddTree(ctx, r); err != nil {
			o.logger.Warn("tree_add_failed", slog.String("root", r), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sync trees: %d of %d changes failed: %w", len(errs), len(errs)+len(added), errs[0])
	}
	return nil
}

// Trees returns every watched tree ordered by root.
func (o *Orchestrator) Trees(ctx context.Context) ([]*store.Tree, error) {
	return o.store.ListTrees(ctx)
}

// Resolve maps an absolute path to its tree id and tree relative path. The
// innermost watched root wins.
func (o *Orchestrator) Resolve(abs string) (treeID, rel string, err error) {
	e, rel, err := o.resolve(abs)
	if err != nil {
		return "", "", err
	}
	return e.id, rel, nil
}

func (o *Orchestrator) resolve(abs string) (*engine, string, error) {
	abs = filepath.Clean(abs)
	if id, ok := o.lookups.Get(abs); ok {
		if e := o.engine(id); e != nil {
			return e, relative(e.root, abs), nil
		}
	}

	var best *engine
	for _, e := range o.engineList() {
		if abs != e.root && !strings.HasPrefix(abs, e.root+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(e.root) > len(best.root) {
			best = e
		}
	}
	if best == nil {
		return nil, "", awerrors.New(awerrors.ErrCodeUnknownTree, ErrUnknownTree.Message, nil).WithDetail("path", abs)
	}
	o.lookups.Add(abs, best.id)
	return best, relative(best.root, abs), nil
}

func relative(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return store.Root
	}
	return store.Clean(filepath.ToSlash(rel))
}

// PathResult answers a path status query.
type PathResult struct {
	TreeID string
	Path   string
	// Status is nil until the path has been seen.
	Status *store.PathStatus
}

// PathStatus returns the cached status of an absolute path. A missing or
// pending row is requested on the visible queue.
func (o *Orchestrator) PathStatus(ctx context.Context, abs string) (PathResult, error) {
	e, rel, err := o.resolve(abs)
	if err != nil {
		return PathResult{}, err
	}
	ps, err := o.store.Get(ctx, e.id, rel)
	if err != nil {
		return PathResult{}, err
	}
	if ps == nil || ps.NeedsUpdate {
		o.workers.Submit(request.PathRequest{
			TreeID:   e.id,
			Path:     rel,
			Source:   request.SourceClient,
			Priority: request.Visible,
		})
	}
	return PathResult{TreeID: e.id, Path: rel, Status: ps}, nil
}

// SetVisible records that a client is (or stops) showing directory abs.
// Becoming visible requests every pending child on the visible queue.
func (o *Orchestrator) SetVisible(ctx context.Context, abs string, visible bool) error {
	e, rel, err := o.resolve(abs)
	if err != nil {
		return err
	}
	o.visible.Set(e.id, rel, visible)
	if !visible {
		return nil
	}
	children, err := o.store.ChildrenOf(ctx, e.id, rel)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.NeedsUpdate && !c.IsDirectory {
			o.workers.Submit(request.PathRequest{
				TreeID:   e.id,
				Path:     c.Path,
				Source:   request.SourceClient,
				Priority: request.Visible,
				IsDir:    request.Dir(false),
			})
		}
	}
	return nil
}

// Rescan schedules a full scan of the tree containing abs.
func (o *Orchestrator) Rescan(abs string) (string, error) {
	e, _, err := o.resolve(abs)
	if err != nil {
		return "", err
	}
	e.rescan()
	return e.id, nil
}

// TreeStatus describes one tree for status reports.
type TreeStatus struct {
	ID       string                     `json:"id"`
	Root     string                     `json:"root"`
	Cursor   *store.Cursor              `json:"cursor,omitempty"`
	Scan     async.ScanProgressSnapshot `json:"scan"`
	Stats    store.Stats                `json:"stats"`
	Visible  []string                   `json:"visible,omitempty"`
	Watching bool                       `json:"watching"`
}

// Status is a point in time report of the whole engine.
type Status struct {
	UptimeSeconds int               `json:"uptime_seconds"`
	Trees         []TreeStatus      `json:"trees"`
	Queues        map[string][2]int `json:"queues"`
	Breakers      map[string]string `json:"breakers,omitempty"`
	Subscribers   int               `json:"subscribers"`
}

// breakerReporter is implemented by tracker clients with circuit breakers.
type breakerReporter interface {
	Breakers() map[string]awerrors.State
}

// Status reports every tree.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	trees, err := o.store.ListTrees(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		UptimeSeconds: int(time.Since(o.started).Seconds()),
		Trees:         make([]TreeStatus, 0, len(trees)),
		Queues:        o.workers.Depth(),
		Subscribers:   o.events.Count(),
	}
	for _, t := range trees {
		stats, err := o.store.Stats(ctx, t.ID)
		if err != nil {
			return Status{}, err
		}
		e := o.engine(t.ID)
		st.Trees = append(st.Trees, TreeStatus{
			ID:       t.ID,
			Root:     t.RootPath,
			Cursor:   t.Cursor,
			Scan:     o.full.Progress(t.ID),
			Stats:    stats,
			Visible:  o.visible.Dirs(t.ID),
			Watching: e != nil && !o.opts.DisableWatch,
		})
	}
	if br, ok := o.tracker.(breakerReporter); ok {
		if states := br.Breakers(); len(states) > 0 {
			st.Breakers = make(map[string]string, len(states))
			for root, s := range states {
				st.Breakers[root] = s.String()
			}
		}
	}
	return st, nil
}

// Subscribe returns a channel of notifications. Call Unsubscribe when done.
func (o *Orchestrator) Subscribe() chan Notification {
	return o.events.Subscribe()
}

// Unsubscribe releases a channel returned by Subscribe.
func (o *Orchestrator) Unsubscribe(ch chan Notification) {
	o.events.Unsubscribe(ch)
}

// Settle blocks until no scan, query or aggregation is running or queued.
func (o *Orchestrator) Settle() {
	for {
		for _, e := range o.engineList() {
			e.scan.Wait()
		}
		o.workers.Wait()
		for _, e := range o.engineList() {
			e.aggregate.Wait()
		}
		if !o.busy() {
			for _, e := range o.engineList() {
				e.notify.Wait()
			}
			return
		}
	}
}

func (o *Orchestrator) busy() bool {
	if o.workers.Busy() {
		return true
	}
	for _, e := range o.engineList() {
		if e.busy() {
			return true
		}
	}
	return false
}

// Close stops every engine and both worker queues.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	engines := make([]*engine, 0, len(o.engines))
	for _, e := range o.engines {
		engines = append(engines, e)
	}
	o.engines = make(map[string]*engine)
	o.mu.Unlock()

	for _, e := range engines {
		e.close()
	}
	o.cancel()
	o.workers.Close()
	for _, e := range engines {
		e.wait()
	}
	o.store.SetWriteHook(nil)
	o.events.Close()
	metrics.SetWatchedTrees(0)
}

func (o *Orchestrator) engine(id string) *engine {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.engines[id]
}

func (o *Orchestrator) engineList() []*engine {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*engine, 0, len(o.engines))
	for _, e := range o.engines {
		out = append(out, e)
	}
	return out
}

func (o *Orchestrator) rootOf(treeID string) (string, bool) {
	e := o.engine(treeID)
	if e == nil || e.closed.Load() {
		return "", false
	}
	return e.root, true
}

// written follows every successful status query with an aggregation sweep.
func (o *Orchestrator) written(treeID string) {
	if e := o.engine(treeID); e != nil {
		e.aggregate.Trigger()
	}
}

func (o *Orchestrator) onWrite(treeID string, paths []string) {
	if e := o.engine(treeID); e != nil {
		e.record(paths)
	}
}

func (o *Orchestrator) priority(treeID, p string) request.Priority {
	if o.visible.Covers(treeID, p) {
		return request.Visible
	}
	return request.Background
}

func (o *Orchestrator) publishTrees() {
	o.events.Publish(Notification{Type: EventTreesChanged})
}

// escalate hands fatal errors to the fatal handler and reports whether it did.
func (o *Orchestrator) escalate(err error) bool {
	if !awerrors.IsFatal(err) {
		return false
	}
	o.fatal(err)
	return true
}

func (o *Orchestrator) fatal(err error) {
	o.fatalOnce.Do(func() { o.opts.Fatal(err) })
}
