package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/metrics"
	"github.com/Aman-CERP/annexwatch/internal/request"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
)

// IncrementalResult describes what one increment derived.
type IncrementalResult struct {
	Cursor store.Cursor
	// Paths is the number of leaf paths requested.
	Paths int
	Keys  int
	// Rechecked is set when an unmapped key forced a recheck of
	// untracked paths.
	Rechecked bool
	// Advanced is false when neither head moved.
	Advanced bool
}

// IncrementalScanner folds history since a tree's cursor into the store.
type IncrementalScanner struct {
	store   store.Store
	tracker tracker.Tracker
	sink    request.Sink
	visible Visibility
	logger  *slog.Logger
}

// NewIncrementalScanner creates an IncrementalScanner. visible may be nil.
func NewIncrementalScanner(st store.Store, tr tracker.Tracker, sink request.Sink, visible Visibility, logger *slog.Logger) *IncrementalScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &IncrementalScanner{store: st, tracker: tr, sink: sink, visible: visible, logger: logger}
}

// Scan diffs both heads against tree's cursor, marks every affected leaf
// pending, requests its status and only then advances the cursor. Running
// it again from the same cursor derives the same work.
func (s *IncrementalScanner) Scan(ctx context.Context, tree *store.Tree) (IncrementalResult, error) {
	if tree.Cursor == nil {
		return IncrementalResult{}, ErrNeverScanned
	}
	start := time.Now()
	res, err := s.scan(ctx, tree, *tree.Cursor)
	if res.Advanced || err != nil {
		metrics.RecordScan("incremental", time.Since(start), err)
	}
	if err != nil {
		s.logger.Warn("incremental_scan_failed",
			slog.String("tree", tree.ID),
			slog.String("error", err.Error()))
		return res, err
	}
	if res.Advanced {
		s.logger.Info("incremental_scan_complete",
			slog.String("tree", tree.ID),
			slog.Int("paths", res.Paths),
			slog.Int("keys", res.Keys),
			slog.Bool("rechecked", res.Rechecked),
			slog.Duration("duration", time.Since(start)))
	}
	return res, nil
}

func (s *IncrementalScanner) scan(ctx context.Context, tree *store.Tree, cur store.Cursor) (IncrementalResult, error) {
	root := tree.RootPath
	head, err := s.tracker.HeadCommit(ctx, root)
	if err != nil {
		return IncrementalResult{}, fmt.Errorf("read HEAD: %w", err)
	}
	annex, err := s.tracker.AnnexCommit(ctx, root)
	if err != nil {
		return IncrementalResult{}, fmt.Errorf("read git-annex branch: %w", err)
	}
	next := store.Cursor{ContentCommit: head, MetaCommit: annex}
	res := IncrementalResult{Cursor: cur}
	if next == cur {
		return res, nil
	}

	changed := make(map[string]request.Source)
	if head != cur.ContentCommit {
		paths, err := s.tracker.ChangedPaths(ctx, root, cur.ContentCommit, head)
		if err != nil {
			return res, fmt.Errorf("diff work tree: %w", err)
		}
		for _, p := range paths {
			changed[p] = request.SourceScan
		}
	}
	if annex != cur.MetaCommit {
		if err := s.collectKeys(ctx, tree, cur.MetaCommit, annex, changed, &res); err != nil {
			return res, err
		}
	}

	leaves := make([]string, 0, len(changed))
	for p := range changed {
		leaves = append(leaves, p)
	}
	sort.Strings(leaves)

	if err := s.placeAncestors(ctx, tree.ID, leaves); err != nil {
		return res, err
	}
	if len(leaves) > 0 {
		if _, err := s.store.MarkPending(ctx, tree.ID, leaves, false); err != nil {
			return res, err
		}
	}
	for _, p := range leaves {
		req := request.PathRequest{TreeID: tree.ID, Path: p, Source: changed[p]}
		if s.visible != nil && s.visible.Covers(tree.ID, p) {
			req.Priority = request.Visible
		}
		s.sink.Submit(req)
	}
	res.Paths = len(leaves)

	if err := s.store.SetCursor(ctx, tree.ID, next); err != nil {
		return res, err
	}
	res.Cursor = next
	res.Advanced = true
	return res, nil
}

// collectKeys maps location changes on the git-annex branch back to paths.
func (s *IncrementalScanner) collectKeys(ctx context.Context, tree *store.Tree, from, to string, changed map[string]request.Source, res *IncrementalResult) error {
	kc, err := s.tracker.ChangedKeys(ctx, tree.RootPath, from, to)
	if err != nil {
		return fmt.Errorf("diff git-annex branch: %w", err)
	}
	res.Keys = len(kc.Keys)

	if kc.NumCopiesChanged {
		// Sufficiency of every tracked file depends on numcopies.
		s.tracker.InvalidateNumCopies(tree.RootPath)
		rows, err := s.store.ChangedSince(ctx, tree.ID, time.Time{})
		if err != nil {
			return err
		}
		for _, r := range rows {
			if !r.IsDirectory && r.IsTracked {
				changed[r.Path] = request.SourceRecheck
			}
		}
	}

	unmapped := false
	for _, key := range kc.Keys {
		paths, err := s.store.PathsForKey(ctx, tree.ID, key)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			unmapped = true
			continue
		}
		for _, p := range paths {
			if _, ok := changed[p]; !ok {
				changed[p] = request.SourceScan
			}
		}
	}
	if unmapped {
		untracked, err := s.store.UntrackedPaths(ctx, tree.ID)
		if err != nil {
			return err
		}
		for _, p := range untracked {
			if _, ok := changed[p]; !ok {
				changed[p] = request.SourceRecheck
			}
		}
		res.Rechecked = true
	}
	return nil
}

// placeAncestors inserts placeholder rows for every missing directory above
// the changed leaves.
func (s *IncrementalScanner) placeAncestors(ctx context.Context, treeID string, leaves []string) error {
	seen := make(map[string]bool)
	var dirs []string
	for _, p := range leaves {
		for _, a := range store.Ancestors(p) {
			if seen[a] {
				break
			}
			seen[a] = true
			dirs = append(dirs, a)
		}
	}
	if len(dirs) == 0 {
		return nil
	}
	_, err := s.store.BatchInsertPlaceholders(ctx, treeID, dirs, true)
	return err
}
