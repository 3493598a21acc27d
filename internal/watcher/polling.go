package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// PollingWatcher walks the tree every interval and reports the difference
// from the previous walk. HybridWatcher falls back to it where fsnotify
// cannot be used.
//
// Events that do not fit the buffer are not retried; the next poll leads
// with an OpOverflow so the consumer rescans the tree.
type PollingWatcher struct {
	interval time.Duration
	root     string
	events   chan FileEvent
	errors   chan error
	stopCh   chan struct{}

	mu      sync.Mutex
	last    walk
	stopped bool
	lost    bool
}

// entry is what one walk remembers about a path.
type entry struct {
	modTime time.Time
	size    int64
	isDir   bool
}

// walk maps slash-separated relative paths to their entries.
type walk map[string]entry

// NewPollingWatcher creates a watcher that polls every interval.
func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	return &PollingWatcher{
		interval: interval,
		events:   make(chan FileEvent, 100),
		errors:   make(chan error, 10),
		stopCh:   make(chan struct{}),
	}
}

// Start takes a baseline walk of path, then polls until ctx is cancelled or
// Stop is called. Nothing present at the baseline is reported.
func (p *PollingWatcher) Start(ctx context.Context, path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	p.root = root

	baseline, err := p.walk()
	if err != nil {
		return fmt.Errorf("perform initial scan: %w", err)
	}
	p.mu.Lock()
	p.last = baseline
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = p.Stop()
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			if err := p.poll(); err != nil {
				select {
				case p.errors <- err:
				default:
				}
			}
		}
	}
}

// Stop closes the event and error channels. Safe to call twice.
func (p *PollingWatcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
		close(p.events)
		close(p.errors)
	}
	return nil
}

// Events returns the channel of single, undebounced events.
func (p *PollingWatcher) Events() <-chan FileEvent { return p.events }

// Errors returns walk failures.
func (p *PollingWatcher) Errors() <-chan error { return p.errors }

// walk records the tree. Under .git only what isRepoRef accepts is kept.
func (p *PollingWatcher) walk() (walk, error) {
	w := make(walk)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		switch {
		case !inGitDir(rel):
		case d.IsDir() && !watchGitDir(rel):
			return filepath.SkipDir
		case d.IsDir() || !isRepoRef(rel):
			return nil
		}

		if info, err := d.Info(); err == nil {
			w[rel] = entry{modTime: info.ModTime(), size: info.Size(), isDir: d.IsDir()}
		}
		return nil
	})
	return w, err
}

// diff lists the changes from prev to cur, sorted by path. A path that
// switched between file and directory, or a file whose size or mtime moved,
// is an OpModify.
func diff(prev, cur walk) []FileEvent {
	var out []FileEvent
	add := func(rel string, op Operation, isDir bool) {
		if ev, ok := classify(rel, op, isDir); ok {
			out = append(out, ev)
		}
	}
	for rel, now := range cur {
		was, ok := prev[rel]
		switch {
		case !ok:
			add(rel, OpCreate, now.isDir)
		case was.isDir != now.isDir:
			add(rel, OpModify, now.isDir)
		case !now.isDir && (!was.modTime.Equal(now.modTime) || was.size != now.size):
			add(rel, OpModify, false)
		}
	}
	for rel, was := range prev {
		if _, ok := cur[rel]; !ok {
			add(rel, OpDelete, was.isDir)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (p *PollingWatcher) poll() error {
	cur, err := p.walk()
	if err != nil {
		return fmt.Errorf("walk directory for changes: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	changes := diff(p.last, cur)
	p.last = cur

	if p.lost {
		changes = append([]FileEvent{{Path: RepoPath, Operation: OpOverflow, Timestamp: time.Now()}}, changes...)
		p.lost = false
	}
	for i, ev := range changes {
		select {
		case p.events <- ev:
		default:
			slog.Warn("polling_buffer_full", slog.String("path", ev.Path), slog.Int("lost", len(changes)-i))
			p.lost = true
			return nil
		}
	}
	return nil
}
