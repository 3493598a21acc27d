package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// errWatchLimit is returned when the kernel refuses another inotify watch.
var errWatchLimit = errors.New("inotify watch limit reached")

// HybridWatcher watches one tree and delivers debounced batches.
//
// It starts on fsnotify unless ForcePolling is set or no inotify instance can
// be created. A tree that outgrows fs.inotify.max_user_watches, at start or
// later when a directory is added, is switched to polling for the rest of
// its life; the switch is reported as an OpOverflow so the consumer rescans.
type HybridWatcher struct {
	opts      Options
	debouncer *Debouncer
	events    chan []FileEvent
	errors    chan error
	stopCh    chan struct{}

	mu      sync.RWMutex
	root    string
	fsw     *fsnotify.Watcher
	poll    *PollingWatcher
	stopped bool
	dropped atomic.Uint64
	lost    atomic.Bool
}

// NewHybridWatcher creates a watcher. Nothing is watched until Start.
func NewHybridWatcher(opts Options) (*HybridWatcher, error) {
	opts = opts.WithDefaults()
	h := &HybridWatcher{
		opts:      opts,
		debouncer: NewDebouncer(opts.DebounceWindow, opts.MaxWait),
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}
	if !opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("fsnotify_unavailable", slog.String("error", err.Error()))
		} else {
			h.fsw = fsw
		}
	}
	return h, nil
}

// Start watches path until ctx is cancelled or Stop is called.
func (h *HybridWatcher) Start(ctx context.Context, path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	h.mu.Lock()
	h.root = root
	fsw := h.fsw
	h.mu.Unlock()

	go h.forward(ctx)

	if fsw != nil {
		err := h.runFsnotify(ctx, fsw)
		if !errors.Is(err, errWatchLimit) {
			return err
		}
		slog.Warn("inotify_watch_limit",
			slog.String("root", root),
			slog.String("hint", "raise fs.inotify.max_user_watches or set watch.force_polling"))
		h.debouncer.Add(FileEvent{Path: RepoPath, Operation: OpOverflow, Timestamp: time.Now()})
	}
	return h.runPolling(ctx)
}

func (h *HybridWatcher) runFsnotify(ctx context.Context, fsw *fsnotify.Watcher) error {
	if err := h.addTree(fsw, h.root); err != nil {
		if errors.Is(err, errWatchLimit) {
			return err
		}
		return fmt.Errorf("add directories to watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = h.Stop()
			return ctx.Err()
		case <-h.stopCh:
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if err := h.handle(fsw, event); err != nil {
				return err
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				h.debouncer.Add(FileEvent{Path: RepoPath, Operation: OpOverflow, Timestamp: time.Now()})
				continue
			}
			h.emitError(err)
		}
	}
}

// runPolling replaces any fsnotify watcher with a PollingWatcher and feeds
// its events through the debouncer.
func (h *HybridWatcher) runPolling(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	if h.fsw != nil {
		_ = h.fsw.Close()
		h.fsw = nil
	}
	p := NewPollingWatcher(h.opts.PollInterval)
	h.poll = p
	root := h.root
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case event, ok := <-p.Events():
				if !ok {
					return
				}
				h.debouncer.Add(event)
			case err, ok := <-p.Errors():
				if !ok {
					return
				}
				h.emitError(err)
			}
		}
	}()
	return p.Start(ctx, root)
}

// handle translates one fsnotify event. It returns errWatchLimit when a new
// directory could not be watched.
func (h *HybridWatcher) handle(fsw *fsnotify.Watcher, event fsnotify.Event) error {
	rel, err := filepath.Rel(h.root, event.Name)
	if err != nil {
		return nil
	}
	rel = filepath.ToSlash(rel)

	isDir := false
	if info, err := os.Lstat(event.Name); err == nil {
		isDir = info.IsDir()
	}

	var op Operation
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
		if isDir {
			// Entries created before the watch lands are found by the walk.
			if err := h.addTree(fsw, event.Name); errors.Is(err, errWatchLimit) {
				return err
			} else if err != nil {
				h.emitError(err)
			}
		}
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		op = OpRename
	default:
		return nil
	}

	if ev, ok := classify(rel, op, isDir); ok {
		h.debouncer.Add(ev)
	}
	return nil
}

// addTree watches dir and every directory below it. Under .git only the
// ref directories are watched.
func (h *HybridWatcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(h.root, path)
		rel = filepath.ToSlash(rel)
		if inGitDir(rel) && !watchGitDir(rel) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			switch {
			case errors.Is(err, syscall.ENOSPC):
				return errWatchLimit
			case rel == ".":
				return err
			}
			slog.Debug("watch_add_failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
		return nil
	})
}

func (h *HybridWatcher) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case events, ok := <-h.debouncer.Output():
			if !ok {
				return
			}
			if len(events) > 0 {
				h.emitEvents(events)
			}
		}
	}
}

// emitEvents hands a batch to the consumer. A batch that does not fit is
// dropped and the next delivered batch starts with an OpOverflow event.
func (h *HybridWatcher) emitEvents(events []FileEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}

	lost := h.lost.Load()
	if lost && events[0].Operation != OpOverflow {
		events = append([]FileEvent{{Path: RepoPath, Operation: OpOverflow, Timestamp: time.Now()}}, events...)
	}
	select {
	case h.events <- events:
		if lost {
			h.lost.Store(false)
		}
	default:
		h.lost.Store(true)
		n := h.dropped.Add(1)
		slog.Warn("event_buffer_full",
			slog.Int("batch_size", len(events)),
			slog.Uint64("dropped_batches", n))
	}
}

// DroppedBatches returns how many batches did not fit the consumer buffer.
func (h *HybridWatcher) DroppedBatches() uint64 {
	return h.dropped.Load()
}

func (h *HybridWatcher) emitError(err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}
	select {
	case h.errors <- err:
	default:
	}
}

// Stop releases the watcher. Safe to call twice.
func (h *HybridWatcher) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	close(h.stopCh)
	h.debouncer.Stop()
	if h.fsw != nil {
		_ = h.fsw.Close()
	}
	if h.poll != nil {
		_ = h.poll.Stop()
	}
	close(h.events)
	close(h.errors)
	return nil
}

// Events returns the channel of batched file events.
func (h *HybridWatcher) Events() <-chan []FileEvent { return h.events }

// Errors returns the channel of non-fatal watcher errors.
func (h *HybridWatcher) Errors() <-chan error { return h.errors }

// WatcherType returns "fsnotify" or "polling".
func (h *HybridWatcher) WatcherType() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.fsw != nil {
		return "fsnotify"
	}
	return "polling"
}
