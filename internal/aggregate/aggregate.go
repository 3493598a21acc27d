// Package aggregate rolls file status up the directory tree.
//
// Each pass takes the tree's dirty directories deepest first, folds the
// rows of every live child into the directory's own row and marks the
// parent dirty so the next directory up is recomputed. A directory whose
// children are not all resolved yet stays dirty; requests for the missing
// children go to the request sink and a later pass picks the directory up
// again. Passes never block on each other and hold no lock across the tree.
package aggregate

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/metrics"
	"github.com/Aman-CERP/annexwatch/internal/request"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
)

// Stopper reports whether a long running operation should give up.
type Stopper interface {
	Stopped() bool
}

// Result summarises one pass.
type Result struct {
	// Dirty is the size of the dirty set when the pass started.
	Dirty int
	// Resolved counts directories folded or removed.
	Resolved int
	// Deferred counts directories left dirty waiting on children.
	Deferred int
	// Failed counts directories whose live listing failed.
	Failed int
}

// Aggregator folds child status into directories.
type Aggregator struct {
	store   store.Store
	tracker tracker.Tracker
	sink    request.Sink
	logger  *slog.Logger
}

// New creates an Aggregator. Requests for unresolved children go to sink.
func New(st store.Store, tr tracker.Tracker, sink request.Sink, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, tracker: tr, sink: sink, logger: logger}
}

// SortDeepestFirst orders paths by descending depth, then lexically. The
// root always sorts last.
func SortDeepestFirst(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		di, dj := store.Depth(paths[i]), store.Depth(paths[j])
		if di != dj {
			return di > dj
		}
		return paths[i] < paths[j]
	})
}

// Pass processes the current dirty set once. The only error it returns is
// a store failure; tracker failures leave the directory dirty.
func (a *Aggregator) Pass(ctx context.Context, treeID, root string) (Result, error) {
	dirty, err := a.store.DirtyDirectories(ctx, treeID)
	if err != nil {
		return Result{}, err
	}
	SortDeepestFirst(dirty)

	res := Result{Dirty: len(dirty)}
	for _, dir := range dirty {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, err := a.resolve(ctx, treeID, root, dir)
		if err != nil {
			return res, err
		}
		switch outcome {
		case resolved:
			res.Resolved++
		case deferred:
			res.Deferred++
		case failed:
			res.Failed++
		}
	}
	metrics.RecordAggregatePass(res.Resolved)
	return res, nil
}

// Fixpoint runs passes until one resolves nothing and returns the number of
// passes run. It checks stop between passes.
func (a *Aggregator) Fixpoint(ctx context.Context, treeID, root string, stop Stopper) (int, error) {
	passes := 0
	for {
		if stop != nil && stop.Stopped() {
			return passes, context.Canceled
		}
		start := time.Now()
		res, err := a.Pass(ctx, treeID, root)
		passes++
		if err != nil {
			return passes, err
		}
		a.logger.Debug("aggregate_pass",
			slog.String("tree", treeID),
			slog.Int("pass", passes),
			slog.Int("dirty", res.Dirty),
			slog.Int("resolved", res.Resolved),
			slog.Int("deferred", res.Deferred),
			slog.Duration("duration", time.Since(start)))
		if res.Resolved == 0 {
			return passes, nil
		}
	}
}

type outcome int

const (
	resolved outcome = iota
	deferred
	failed
)

func (a *Aggregator) resolve(ctx context.Context, treeID, root, dir string) (outcome, error) {
	live, err := a.tracker.ListChildren(ctx, root, dir)
	if err != nil {
		if tracker.IsNotExist(err) && dir != store.Root {
			return a.vanished(ctx, treeID, dir)
		}
		a.logger.Warn("aggregate_list_failed",
			slog.String("tree", treeID),
			slog.String("dir", dir),
			slog.String("error", err.Error()))
		return failed, nil
	}

	rows, err := a.store.ChildrenOf(ctx, treeID, dir)
	if err != nil {
		return failed, err
	}
	byPath := make(map[string]*store.PathStatus, len(rows))
	for i := range rows {
		byPath[rows[i].Path] = &rows[i]
	}

	var folded []*store.PathStatus
	waiting := false
	for _, child := range live {
		row, ok := byPath[child.Path]
		switch {
		case !ok:
			waiting = true
			a.sink.Submit(request.PathRequest{
				TreeID: treeID,
				Path:   child.Path,
				Source: request.SourceAggregate,
				IsDir:  request.Dir(child.IsDir),
			})
		case row.NeedsUpdate && !row.IsDirectory:
			waiting = true
			a.sink.Submit(request.PathRequest{
				TreeID: treeID,
				Path:   child.Path,
				Source: request.SourceAggregate,
				IsDir:  request.Dir(false),
			})
		case row.NeedsUpdate:
			waiting = true
		default:
			folded = append(folded, row)
		}
	}
	if waiting {
		return deferred, nil
	}

	if _, err := a.store.Upsert(ctx, treeID, dir, Fold(folded)); err != nil {
		return failed, err
	}
	if dir != store.Root {
		if err := a.store.MarkDirty(ctx, treeID, store.ParentOf(dir)); err != nil {
			return failed, err
		}
	}
	return resolved, nil
}

// vanished drops the rows of a directory that no longer exists and hands
// the decision to its parent.
func (a *Aggregator) vanished(ctx context.Context, treeID, dir string) (outcome, error) {
	if _, err := a.store.DeletePath(ctx, treeID, dir); err != nil {
		return failed, err
	}
	if err := a.store.MarkDirty(ctx, treeID, store.ParentOf(dir)); err != nil {
		return failed, err
	}
	a.logger.Debug("aggregate_dir_vanished", slog.String("tree", treeID), slog.String("dir", dir))
	return resolved, nil
}

// Fold combines resolved child rows into a directory row. Children that do
// not contribute are skipped; with none left the directory is vacuously
// present and enough, with no replica count.
func Fold(children []*store.PathStatus) store.Fields {
	f := store.Fields{
		IsDirectory: true,
		Presence:    store.PresencePresent,
		Sufficiency: store.SufficiencyEnough,
	}
	first := true
	for _, c := range children {
		if !c.Contributes() {
			continue
		}
		f.IsTracked = true
		if first {
			f.Presence = c.Presence
			f.Sufficiency = c.Sufficiency
			f.ReplicaCount = store.Count(*c.ReplicaCount)
			first = false
			continue
		}
		f.Presence = FoldPresence(f.Presence, c.Presence)
		if f.Sufficiency != store.SufficiencyEnough || c.Sufficiency != store.SufficiencyEnough {
			f.Sufficiency = store.SufficiencyLacking
		}
		if *c.ReplicaCount < *f.ReplicaCount {
			f.ReplicaCount = store.Count(*c.ReplicaCount)
		}
	}
	if f.IsTracked && f.Sufficiency != store.SufficiencyEnough {
		f.Sufficiency = store.SufficiencyLacking
	}
	return f
}

// FoldPresence is the three-valued presence conjunction.
func FoldPresence(a, b store.Presence) store.Presence {
	if a == b && a != store.PresencePartial {
		return a
	}
	return store.PresencePartial
}
