package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/aggregate"
	"github.com/Aman-CERP/annexwatch/internal/async"
	"github.com/Aman-CERP/annexwatch/internal/metrics"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
)

// DefaultBatchSize is the number of rows written between token checks.
const DefaultBatchSize = 500

// FullScanner rebuilds every row of a tree.
type FullScanner struct {
	store     store.Store
	tracker   tracker.Tracker
	agg       *aggregate.Aggregator
	claims    Claims
	batchSize int
	logger    *slog.Logger

	mu       sync.Mutex
	tokens   map[string]*Token
	progress map[string]*async.ScanProgress
}

// FullConfig wires a FullScanner.
type FullConfig struct {
	Store      store.Store
	Tracker    tracker.Tracker
	Aggregator *aggregate.Aggregator
	// Claims is shared with whoever else must know a tree is being scanned.
	Claims    Claims
	BatchSize int
	Logger    *slog.Logger
}

// NewFullScanner creates a FullScanner.
func NewFullScanner(cfg FullConfig) *FullScanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FullScanner{
		store:     cfg.Store,
		tracker:   cfg.Tracker,
		agg:       cfg.Aggregator,
		claims:    cfg.Claims,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		tokens:    make(map[string]*Token),
		progress:  make(map[string]*async.ScanProgress),
	}
}

// Progress returns the progress snapshot for a tree.
func (s *FullScanner) Progress(treeID string) async.ScanProgressSnapshot {
	s.mu.Lock()
	p, ok := s.progress[treeID]
	s.mu.Unlock()
	if !ok {
		return async.NewScanProgress().Snapshot()
	}
	return p.Snapshot()
}

// Scanning reports whether a scan of treeID is in progress.
func (s *FullScanner) Scanning(treeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[treeID]
	return ok
}

// Stop asks a running scan of treeID to abort. It does not wait.
func (s *FullScanner) Stop(treeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[treeID]; ok {
		tok.Stop()
	}
}

// Start scans tree in the calling goroutine. It returns ErrAlreadyScanning
// without doing anything if another scan of the tree is running.
func (s *FullScanner) Start(ctx context.Context, tree *store.Tree) error {
	if !s.claims.TryAdd(tree.ID) {
		return ErrAlreadyScanning
	}
	defer s.claims.Remove(tree.ID)

	tok := NewToken()
	s.mu.Lock()
	s.tokens[tree.ID] = tok
	p, ok := s.progress[tree.ID]
	if !ok {
		p = async.NewScanProgress()
		s.progress[tree.ID] = p
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.tokens, tree.ID)
		s.mu.Unlock()
	}()

	start := time.Now()
	p.Begin()
	s.logger.Info("full_scan_started", slog.String("tree", tree.ID), slog.String("root", tree.RootPath))

	err := s.scan(ctx, tree, tok, p)
	p.Finish(err)
	metrics.RecordScan("full", time.Since(start), err)

	snap := p.Snapshot()
	if err != nil {
		s.logger.Warn("full_scan_aborted",
			slog.String("tree", tree.ID),
			slog.String("stage", snap.Stage),
			slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("full_scan_complete",
		slog.String("tree", tree.ID),
		slog.Int("directories", snap.Directories),
		slog.Int("files", snap.Files),
		slog.Int("passes", snap.Passes),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (s *FullScanner) scan(ctx context.Context, tree *store.Tree, tok *Token, p *async.ScanProgress) error {
	root := tree.RootPath

	// The candidate cursor is taken before anything is read so that commits
	// landing mid-scan are picked up again by the next increment.
	head, err := s.tracker.HeadCommit(ctx, root)
	if err != nil {
		return fmt.Errorf("read HEAD: %w", err)
	}
	annex, err := s.tracker.AnnexCommit(ctx, root)
	if err != nil {
		return fmt.Errorf("read git-annex branch: %w", err)
	}
	candidate := store.Cursor{ContentCommit: head, MetaCommit: annex}

	if err := s.placeDirectories(ctx, tree, tok, p); err != nil {
		return err
	}

	p.SetStage(async.StageReporting)
	if err := s.applyReport(ctx, tree, tok, p); err != nil {
		return err
	}

	p.SetStage(async.StageAggregating)
	passes, err := s.agg.Fixpoint(ctx, tree.ID, root, tok)
	p.AddPasses(passes)
	if err != nil {
		if errors.Is(err, context.Canceled) && tok.Stopped() {
			return ErrStopped
		}
		return fmt.Errorf("aggregate: %w", err)
	}

	if err := checkpoint(ctx, tok); err != nil {
		return err
	}
	return s.store.SetCursor(ctx, tree.ID, candidate)
}

func checkpoint(ctx context.Context, tok *Token) error {
	if tok.Stopped() {
		return ErrStopped
	}
	return ctx.Err()
}

// placeDirectories marks every live directory pending, in batches.
func (s *FullScanner) placeDirectories(ctx context.Context, tree *store.Tree, tok *Token, p *async.ScanProgress) error {
	dirs, err := s.tracker.Directories(ctx, tree.RootPath)
	if err != nil {
		return fmt.Errorf("enumerate directories: %w", err)
	}
	for start := 0; start < len(dirs); start += s.batchSize {
		if err := checkpoint(ctx, tok); err != nil {
			return err
		}
		batch := dirs[start:min(start+s.batchSize, len(dirs))]
		if _, err := s.store.MarkPending(ctx, tree.ID, batch, true); err != nil {
			return err
		}
		p.AddDirectories(len(batch))
	}
	return nil
}

// applyReport upserts a resolved row for every annexed file.
func (s *FullScanner) applyReport(ctx context.Context, tree *store.Tree, tok *Token, p *async.ScanProgress) error {
	numCopies, err := s.tracker.NumCopies(ctx, tree.RootPath)
	if err != nil {
		return fmt.Errorf("read numcopies: %w", err)
	}
	n := 0
	err = s.tracker.Report(ctx, tree.RootPath, func(r *tracker.FileReport) error {
		if n%s.batchSize == 0 {
			if err := checkpoint(ctx, tok); err != nil {
				return err
			}
		}
		n++
		if _, err := s.store.Upsert(ctx, tree.ID, r.Path, r.Fields(numCopies)); err != nil {
			return err
		}
		p.AddFiles(1)
		return nil
	})
	if err != nil && !errors.Is(err, ErrStopped) {
		return fmt.Errorf("whereis report: %w", err)
	}
	return err
}
