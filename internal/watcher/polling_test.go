package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pollEvery = 30 * time.Millisecond

// startPolling polls dir until the test ends. It returns once the baseline
// walk has been taken.
func startPolling(t *testing.T, dir string) (*PollingWatcher, <-chan error) {
	t.Helper()
	w := NewPollingWatcher(pollEvery)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	go func() { done <- w.Start(ctx, dir) }()
	time.Sleep(3 * pollEvery)
	return w, done
}

// collectEvents collects up to n events or until timeout.
func collectEvents(ch <-chan FileEvent, n int, timeout time.Duration) []FileEvent {
	var events []FileEvent
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(events) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timer.C:
			return events
		}
	}
	return events
}

// expectEvent reads until an event matching path and op arrives.
func expectEvent(t *testing.T, w *PollingWatcher, path string, op Operation) FileEvent {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case e, ok := <-w.Events():
			require.True(t, ok, "events closed")
			if e.Path == path && e.Operation == op {
				return e
			}
		case err := <-w.Errors():
			t.Fatalf("unexpected error: %v", err)
		case <-timeout:
			t.Fatalf("no %s event for %s", op, path)
		}
	}
}

func TestPollingWatcher_FileLifecycle(t *testing.T) {
	// Given: a polled tree with one file
	dir := t.TempDir()
	kept := filepath.Join(dir, "kept.txt")
	require.NoError(t, os.WriteFile(kept, []byte("v1"), 0o644))
	w, _ := startPolling(t, dir)

	// When/Then: a file is added
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	expectEvent(t, w, "new.txt", OpCreate)

	// When/Then: the existing file changes size
	require.NoError(t, os.WriteFile(kept, []byte("v1 and more"), 0o644))
	expectEvent(t, w, "kept.txt", OpModify)

	// When/Then: it is removed
	require.NoError(t, os.Remove(kept))
	expectEvent(t, w, "kept.txt", OpDelete)
}

func TestPollingWatcher_NestedDirectory(t *testing.T) {
	dir := t.TempDir()
	w, _ := startPolling(t, dir)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "c.txt"), []byte("c"), 0o644))

	ev := expectEvent(t, w, "a/b/c.txt", OpCreate)
	assert.False(t, ev.IsDir)
}

func TestPollingWatcher_SymlinkRetarget_IsModify(t *testing.T) {
	// Given: an annexed file stored as a symlink to its object
	dir := t.TempDir()
	link := filepath.Join(dir, "song.flac")
	require.NoError(t, os.Symlink(".git/annex/objects/aa/KEY-1/KEY-1", link))
	w, _ := startPolling(t, dir)

	// When: the link is atomically replaced with one of a different length
	tmp := filepath.Join(dir, ".song.flac.tmp")
	require.NoError(t, os.Symlink(".git/annex/objects/bb/KEY-22/KEY-22", tmp))
	require.NoError(t, os.Rename(tmp, link))

	// Then: the path is reported changed, not deleted
	expectEvent(t, w, "song.flac", OpModify)
}

func TestPollingWatcher_GitDir_OnlyRefsReported(t *testing.T) {
	// Given: a tree with a .git directory
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	require.NoError(t, os.MkdirAll(filepath.Join(gitDir, "annex", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/master\n"), 0o644))
	w, _ := startPolling(t, dir)

	// When: annex objects are written and packed-refs appears
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "annex", "objects", "k"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "packed-refs"), []byte("abc refs/heads/x\n"), 0o644))

	// Then: only the repository change is reported
	events := collectEvents(w.Events(), 2, 10*pollEvery)
	require.Len(t, events, 1)
	assert.Equal(t, OpRepoChange, events[0].Operation)
	assert.Equal(t, RepoPath, events[0].Path)
}

func TestPollingWatcher_FullBuffer_LeadsWithOverflow(t *testing.T) {
	// Given: a watcher whose buffer is already full
	dir := t.TempDir()
	w := NewPollingWatcher(time.Hour)
	w.root = dir
	w.last = walk{}
	defer func() { _ = w.Stop() }()
	for len(w.events) < cap(w.events) {
		w.events <- FileEvent{Path: "old", Operation: OpModify}
	}

	// When: a poll finds a change it cannot queue
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dropped.txt"), nil, 0o644))
	require.NoError(t, w.poll())
	require.True(t, w.lost)

	// And: the consumer drains and the next poll runs
	for len(w.events) > 0 {
		<-w.events
	}
	require.NoError(t, w.poll())

	// Then: an overflow is the first thing delivered
	ev := <-w.Events()
	assert.Equal(t, OpOverflow, ev.Operation)
	assert.False(t, w.lost)
}

func TestDiff(t *testing.T) {
	t0 := time.Unix(1000, 0)
	prev := walk{
		"kept.txt":  {modTime: t0, size: 1},
		"grown.txt": {modTime: t0, size: 1},
		"gone.txt":  {modTime: t0, size: 1},
		"flip":      {modTime: t0, isDir: true},
		"docs":      {modTime: t0, isDir: true},
		".git/HEAD": {modTime: t0, size: 10},
	}
	cur := walk{
		"kept.txt":  {modTime: t0, size: 1},
		"grown.txt": {modTime: t0, size: 2},
		"flip":      {modTime: t0, size: 3},
		"docs":      {modTime: t0.Add(time.Second), isDir: true},
		"new.txt":   {modTime: t0},
		".git/HEAD": {modTime: t0.Add(time.Second), size: 10},
	}

	got := diff(prev, cur)

	ops := make(map[string]Operation, len(got))
	for _, ev := range got {
		ops[ev.Path] = ev.Operation
	}
	assert.Equal(t, map[string]Operation{
		".git":      OpRepoChange,
		"flip":      OpModify,
		"gone.txt":  OpDelete,
		"grown.txt": OpModify,
		"new.txt":   OpCreate,
	}, ops, "directory mtime changes are not reported")
}

func TestPollingWatcher_Stop_ClosesChannels(t *testing.T) {
	dir := t.TempDir()
	w, done := startPolling(t, dir)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	_, ok := <-w.Events()
	assert.False(t, ok, "events channel should be closed")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestPollingWatcher_ContextCancellation(t *testing.T) {
	dir := t.TempDir()
	w := NewPollingWatcher(pollEvery)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, dir) }()
	time.Sleep(3 * pollEvery)

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Start to return after context cancel")
	}
}
