package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/async"
	"github.com/Aman-CERP/annexwatch/internal/metrics"
	"github.com/Aman-CERP/annexwatch/internal/request"
	"github.com/Aman-CERP/annexwatch/internal/scan"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/watcher"
)

// engine owns the per-tree coalescers and the tree's watcher.
type engine struct {
	o      *Orchestrator
	id     string
	root   string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	aggregate *async.Coalescer
	notify    *async.Coalescer
	scan      *async.Coalescer

	forceFull atomic.Bool

	mu      sync.Mutex
	changed map[string]struct{}
	watch   *watcher.HybridWatcher
}

func newEngine(ctx context.Context, o *Orchestrator, tree *store.Tree) *engine {
	ctx, cancel := context.WithCancel(ctx)
	e := &engine{
		o:       o,
		id:      tree.ID,
		root:    tree.RootPath,
		logger:  o.logger.With(slog.String("tree", tree.ID)),
		ctx:     ctx,
		cancel:  cancel,
		changed: make(map[string]struct{}),
	}
	e.aggregate = async.NewCoalescer("aggregate:"+tree.ID, e.runAggregate)
	e.notify = async.NewCoalescer("notify:"+tree.ID, e.runNotify)
	e.scan = async.NewCoalescer("scan:"+tree.ID, e.runScan)
	return e
}

// Stopped lets a running aggregation give up once the tree is removed.
func (e *engine) Stopped() bool {
	return e.closed.Load()
}

func (e *engine) runAggregate() {
	if e.closed.Load() {
		return
	}
	passes, err := e.o.agg.Fixpoint(e.ctx, e.id, e.root, e)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if e.o.escalate(err) {
			return
		}
		e.logger.Warn("aggregation_failed", slog.Int("passes", passes), slog.String("error", err.Error()))
	}
}

// record queues changed paths for the next notification flush.
func (e *engine) record(paths []string) {
	e.mu.Lock()
	for _, p := range paths {
		e.changed[p] = struct{}{}
	}
	e.mu.Unlock()
	e.notify.Trigger()
}

func (e *engine) runNotify() {
	e.mu.Lock()
	changed := e.changed
	e.changed = make(map[string]struct{})
	e.mu.Unlock()
	if len(changed) == 0 || e.closed.Load() {
		return
	}

	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, e.absolute(p))
	}
	sort.Strings(paths)
	e.o.events.Publish(Notification{Type: EventStatusChanged, TreeID: e.id, Paths: paths})

	// Triggers that arrive while we wait collapse into the next flush.
	if d := e.o.opts.NotifyDebounce; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-e.ctx.Done():
		}
	}
}

func (e *engine) absolute(p string) string {
	if p == store.Root {
		return e.root
	}
	return filepath.Join(e.root, filepath.FromSlash(p))
}

func (e *engine) runScan() {
	if e.closed.Load() {
		return
	}
	tree, err := e.o.store.GetTree(e.ctx, e.id)
	if err != nil || tree == nil {
		if err != nil {
			e.logger.Warn("tree_load_failed", slog.String("error", err.Error()))
		}
		return
	}

	full := e.forceFull.Swap(false) || tree.Cursor == nil
	if !full {
		_, err = e.o.inc.Scan(e.ctx, tree)
		if errors.Is(err, scan.ErrNeverScanned) {
			full = true
		}
	}
	if full {
		err = e.o.full.Start(e.ctx, tree)
		if errors.Is(err, scan.ErrAlreadyScanning) {
			return
		}
	}
	switch {
	case err == nil:
		e.aggregate.Trigger()
	case errors.Is(err, scan.ErrStopped), errors.Is(err, context.Canceled):
	default:
		// Scanners log their own failures; the cursor did not move.
		e.o.escalate(err)
	}
}

// rescan forces the next scan run to be a full one.
func (e *engine) rescan() {
	e.forceFull.Store(true)
	e.scan.Trigger()
}

// startWatching runs the tree watcher until the engine is closed.
func (e *engine) startWatching(opts watcher.Options) error {
	w, err := watcher.NewHybridWatcher(opts)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.watch = w
	e.mu.Unlock()

	go func() {
		if err := w.Start(e.ctx, e.root); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("watcher_stopped", slog.String("error", err.Error()))
		}
	}()
	go e.consume(w)
	e.logger.Info("watching_tree", slog.String("root", e.root), slog.String("watcher", w.WatcherType()))
	return nil
}

func (e *engine) consume(w *watcher.HybridWatcher) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			e.logger.Warn("watcher_error", slog.String("error", err.Error()))
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			e.handleEvents(batch)
		}
	}
}

func (e *engine) handleEvents(batch []watcher.FileEvent) {
	for _, ev := range batch {
		metrics.RecordWatcherEvent(ev.Operation.String())
		switch ev.Operation {
		case watcher.OpOverflow:
			e.logger.Warn("watcher_overflow", slog.String("root", e.root))
			e.rescan()
			continue
		case watcher.OpRepoChange:
			e.scan.Trigger()
			continue
		}
		req := request.PathRequest{
			TreeID:   e.id,
			Path:     store.Clean(ev.Path),
			Source:   request.SourceWatcher,
			Priority: e.o.priority(e.id, ev.Path),
		}
		if ev.Operation != watcher.OpDelete && ev.Operation != watcher.OpRename {
			req.IsDir = request.Dir(ev.IsDir)
		}
		e.o.workers.Submit(req)
	}
}

// close stops every coalescer and the watcher. It does not wait.
func (e *engine) close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.aggregate.Stop()
	e.notify.Stop()
	e.scan.Stop()
	e.o.full.Stop(e.id)
	e.cancel()

	e.mu.Lock()
	w := e.watch
	e.mu.Unlock()
	if w != nil {
		_ = w.Stop()
	}
}

// wait blocks until no coalescer of e is running.
func (e *engine) wait() {
	e.scan.Wait()
	e.aggregate.Wait()
	e.notify.Wait()
}

func (e *engine) busy() bool {
	return e.scan.Running() || e.aggregate.Running()
}
