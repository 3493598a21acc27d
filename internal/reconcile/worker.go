package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/async"
	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/metrics"
	"github.com/Aman-CERP/annexwatch/internal/request"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
)

// Queue names, also used as metric labels.
const (
	QueueDirectories = "directories"
	QueueFiles       = "files"
)

// slot tracks one request key between Submit and completion.
type slot struct {
	req     request.PathRequest
	running bool
	rerun   bool
}

// Workers is the request sink behind every scanner and aggregator. It
// answers each PathRequest with one tracker query on one of two admission
// queues: Visible requests go to the file pool and everything else to the
// smaller directory pool.
//
// A request for a key that is already queued is dropped. A request for a key
// whose query is running schedules one rerun once it finishes, since the
// running query may have read the tree too early.
type Workers struct {
	store   store.Store
	tracker tracker.Tracker
	logger  *slog.Logger

	dirs  *async.Queue
	files *async.Queue

	// root resolves a tree id; false means the tree is no longer watched.
	root func(treeID string) (string, bool)
	// written is called after every successful query.
	written func(treeID string)
	// fatal receives persistence failures.
	fatal func(error)

	mu    sync.Mutex
	slots map[string]*slot
}

// WorkersConfig wires Workers.
type WorkersConfig struct {
	Store            store.Store
	Tracker          tracker.Tracker
	Logger           *slog.Logger
	DirectoryWorkers int
	FileWorkers      int
	Root             func(treeID string) (string, bool)
	Written          func(treeID string)
	Fatal            func(error)
}

// NewWorkers creates both admission queues.
func NewWorkers(cfg WorkersConfig) (*Workers, error) {
	dirs, err := async.NewQueue(QueueDirectories, cfg.DirectoryWorkers)
	if err != nil {
		return nil, awerrors.ConfigError("invalid directory worker count", err)
	}
	files, err := async.NewQueue(QueueFiles, cfg.FileWorkers)
	if err != nil {
		dirs.Close()
		return nil, awerrors.ConfigError("invalid file worker count", err)
	}
	dirs.SetObserver(metrics.SetQueueDepth)
	files.SetObserver(metrics.SetQueueDepth)

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Workers{
		store:   cfg.Store,
		tracker: cfg.Tracker,
		logger:  cfg.Logger,
		dirs:    dirs,
		files:   files,
		root:    cfg.Root,
		written: cfg.Written,
		fatal:   cfg.Fatal,
		slots:   make(map[string]*slot),
	}
	if w.written == nil {
		w.written = func(string) {}
	}
	if w.fatal == nil {
		w.fatal = func(error) {}
	}
	return w, nil
}

// Submit enqueues req unless the same path is already waiting.
func (w *Workers) Submit(req request.PathRequest) {
	req.Path = store.Clean(req.Path)
	key := req.Key()

	w.mu.Lock()
	if s, ok := w.slots[key]; ok {
		if s.running {
			s.rerun = true
			if req.Priority > s.req.Priority {
				s.req.Priority = req.Priority
			}
		}
		w.mu.Unlock()
		return
	}
	s := &slot{req: req}
	w.slots[key] = s
	w.mu.Unlock()

	w.enqueue(s)
}

func (w *Workers) enqueue(s *slot) {
	q := w.dirs
	if s.req.Priority == request.Visible {
		q = w.files
	}
	if !q.Submit(func(ctx context.Context) { w.run(ctx, s) }) {
		w.mu.Lock()
		delete(w.slots, s.req.Key())
		w.mu.Unlock()
	}
}

func (w *Workers) run(ctx context.Context, s *slot) {
	w.mu.Lock()
	s.running = true
	req := s.req
	w.mu.Unlock()

	w.handle(ctx, req)

	w.mu.Lock()
	if s.rerun && ctx.Err() == nil {
		s.rerun = false
		s.running = false
		w.mu.Unlock()
		w.enqueue(s)
		return
	}
	delete(w.slots, req.Key())
	w.mu.Unlock()
}

// Busy reports whether either queue has work.
func (w *Workers) Busy() bool {
	return w.dirs.IsBusy() || w.files.IsBusy()
}

// Wait blocks until both queues are idle, including reruns.
func (w *Workers) Wait() {
	for {
		w.dirs.Wait()
		w.files.Wait()
		if !w.Busy() {
			return
		}
	}
}

// Depth returns queued and running counts per queue.
func (w *Workers) Depth() map[string][2]int {
	dq, dr := w.dirs.Len()
	fq, fr := w.files.Len()
	return map[string][2]int{
		QueueDirectories: {dq, dr},
		QueueFiles:       {fq, fr},
	}
}

// Close stops both queues. Running queries see their context cancelled.
func (w *Workers) Close() {
	w.dirs.Close()
	w.files.Close()
}

func (w *Workers) handle(ctx context.Context, req request.PathRequest) {
	root, ok := w.root(req.TreeID)
	if !ok {
		return
	}
	start := time.Now()
	changed, err := w.query(ctx, root, req)
	metrics.RecordPathQuery(err)

	switch {
	case err == nil:
	case awerrors.IsFatal(err):
		w.fatal(err)
		return
	case ctx.Err() != nil:
		return
	default:
		// The row stays pending and the next pass asks again.
		w.logger.Warn("path_query_failed",
			slog.String("tree", req.TreeID),
			slog.String("path", req.Path),
			slog.String("source", string(req.Source)),
			slog.String("error", err.Error()))
		return
	}

	w.logger.Debug("path_query_done",
		slog.String("tree", req.TreeID),
		slog.String("path", req.Path),
		slog.String("queue", req.Priority.String()),
		slog.Bool("changed", changed),
		slog.Duration("duration", time.Since(start)))
	w.written(req.TreeID)
}

// query brings the row of req.Path up to date and marks its parent dirty.
func (w *Workers) query(ctx context.Context, root string, req request.PathRequest) (bool, error) {
	p := req.Path
	isDir, err := w.tracker.Stat(ctx, root, p)
	if tracker.IsNotExist(err) {
		return w.remove(ctx, req.TreeID, p)
	}
	if err != nil {
		return false, err
	}

	prev, err := w.store.Get(ctx, req.TreeID, p)
	if err != nil {
		return false, err
	}
	if isDir {
		// Directories are resolved by aggregation. A file that became a
		// directory leaves a stale fold in its parent.
		n, err := w.store.MarkPending(ctx, req.TreeID, []string{p}, true)
		if err != nil || prev == nil || prev.IsDirectory || p == store.Root {
			return n > 0, err
		}
		return true, w.store.MarkDirty(ctx, req.TreeID, store.ParentOf(p))
	}
	if prev != nil && prev.IsDirectory && p != store.Root {
		// A directory replaced by a file takes its subtree with it.
		if _, err := w.store.DeletePath(ctx, req.TreeID, p); err != nil {
			return false, err
		}
	}

	if p != store.Root {
		kept, err := w.tracker.FilterIgnored(ctx, root, []string{p})
		if err != nil {
			return false, err
		}
		if len(kept) == 0 {
			return w.remove(ctx, req.TreeID, p)
		}
	}

	report, err := w.tracker.PathStatus(ctx, root, p)
	if err != nil {
		return false, err
	}
	var f store.Fields
	if report != nil {
		n, err := w.tracker.NumCopies(ctx, root)
		if err != nil {
			return false, err
		}
		f = report.Fields(n)
	}

	changed, err := w.store.Upsert(ctx, req.TreeID, p, f)
	if err != nil {
		return false, err
	}
	if changed {
		if err := w.store.MarkDirty(ctx, req.TreeID, store.ParentOf(p)); err != nil {
			return true, err
		}
	}
	return changed, nil
}

// remove drops a vanished or ignored path and dirties its parent.
func (w *Workers) remove(ctx context.Context, treeID, p string) (bool, error) {
	if p == store.Root {
		return false, nil
	}
	n, err := w.store.DeletePath(ctx, treeID, p)
	if err != nil {
		return false, err
	}
	if err := w.store.MarkDirty(ctx, treeID, store.ParentOf(p)); err != nil {
		return true, err
	}
	return n > 0, nil
}
