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

// startWatcher runs a watcher on dir until the test ends.
func startWatcher(t *testing.T, dir string, opts Options) *HybridWatcher {
	t.Helper()
	w, err := NewHybridWatcher(opts.WithDefaults())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	go func() { _ = w.Start(ctx, dir) }()

	// fsnotify registration is asynchronous to Start.
	time.Sleep(100 * time.Millisecond)
	return w
}

// await collects events until match returns true or within passes.
func await(t *testing.T, w *HybridWatcher, within time.Duration, match func(FileEvent) bool) []FileEvent {
	t.Helper()
	var seen []FileEvent
	timeout := time.After(within)
	for {
		select {
		case batch, ok := <-w.Events():
			if !ok {
				t.Fatalf("events closed; saw %v", seen)
			}
			for _, e := range batch {
				seen = append(seen, e)
				if match(e) {
					return seen
				}
			}
		case err := <-w.Errors():
			t.Fatalf("watcher error: %v", err)
		case <-timeout:
			t.Fatalf("no matching event; saw %v", seen)
		}
	}
}

func is(path string, op Operation) func(FileEvent) bool {
	return func(e FileEvent) bool { return e.Path == path && e.Operation == op }
}

func TestHybridWatcher_NewHybridWatcher(t *testing.T) {
	w, err := NewHybridWatcher(DefaultOptions())
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	assert.Contains(t, []string{"fsnotify", "polling"}, w.WatcherType())
}

func TestHybridWatcher_FileLifecycle(t *testing.T) {
	// Given: a watched tree with one existing file
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.txt")
	require.NoError(t, os.WriteFile(existing, []byte("v1"), 0o644))
	w := startWatcher(t, dir, Options{DebounceWindow: 30 * time.Millisecond})

	// When/Then: a new file is reported as created with a tree relative path
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	await(t, w, 2*time.Second, is("new.txt", OpCreate))

	// When/Then: the existing file is rewritten
	require.NoError(t, os.WriteFile(existing, []byte("v2"), 0o644))
	await(t, w, 2*time.Second, is("existing.txt", OpModify))

	// When/Then: it is removed
	require.NoError(t, os.Remove(existing))
	seen := await(t, w, 2*time.Second, is("existing.txt", OpDelete))
	assert.False(t, seen[len(seen)-1].IsDir)
}

func TestHybridWatcher_PointerReplacedByContent(t *testing.T) {
	// Given: an annexed file whose pointer is present
	dir := t.TempDir()
	pointer := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(pointer, []byte("/annex/objects/SHA256E-s4--x\n"), 0o644))
	w := startWatcher(t, dir, Options{DebounceWindow: 50 * time.Millisecond})

	// When: content is written beside it and renamed over it
	tmp := filepath.Join(dir, ".movie.mkv.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("data"), 0o644))
	require.NoError(t, os.Rename(tmp, pointer))

	// Then: the path is reported as present and the temp file not at all
	seen := await(t, w, 2*time.Second, func(e FileEvent) bool {
		return e.Path == "movie.mkv" && exists(e.Operation)
	})
	for _, e := range seen {
		assert.NotEqual(t, ".movie.mkv.tmp", e.Path)
	}
}

func TestHybridWatcher_RefUpdate_EmitsRepoChange(t *testing.T) {
	// Given: a tree with a minimal .git layout
	dir := t.TempDir()
	heads := filepath.Join(dir, ".git", "refs", "heads")
	objects := filepath.Join(dir, ".git", "objects", "ab")
	require.NoError(t, os.MkdirAll(heads, 0o755))
	require.NoError(t, os.MkdirAll(objects, 0o755))
	w := startWatcher(t, dir, Options{DebounceWindow: 50 * time.Millisecond})

	// When: an object is written and the git-annex branch moves
	require.NoError(t, os.WriteFile(filepath.Join(objects, "cdef"), []byte("blob"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(heads, "git-annex"), []byte("abc\n"), 0o644))

	// Then: a repository change is reported and nothing else under .git
	seen := await(t, w, 2*time.Second, is(RepoPath, OpRepoChange))
	for _, e := range seen {
		if e.Operation != OpRepoChange {
			assert.NotContains(t, e.Path, ".git", "unexpected event %s", e.Path)
		}
	}
}

func TestHybridWatcher_DetectsFilesInNewSubdirectory(t *testing.T) {
	// Given: a watched tree
	dir := t.TempDir()
	w := startWatcher(t, dir, Options{DebounceWindow: 50 * time.Millisecond})

	// When: a directory is created and a file appears in it afterwards
	sub := filepath.Join(dir, "album")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	await(t, w, 2*time.Second, is("album", OpCreate))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.jpg"), []byte("x"), 0o644))

	// Then: the nested file is seen through the recursive watch
	await(t, w, 2*time.Second, is("album/a.jpg", OpCreate))
}

func TestHybridWatcher_ForcePolling(t *testing.T) {
	// Given: options forcing polling
	dir := t.TempDir()
	w := startWatcher(t, dir, Options{
		DebounceWindow: 20 * time.Millisecond,
		PollInterval:   50 * time.Millisecond,
		ForcePolling:   true,
	})

	// Then: it polls and still reports creations
	assert.Equal(t, "polling", w.WatcherType())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	await(t, w, 2*time.Second, is("a.txt", OpCreate))
}

func TestHybridWatcher_SwitchToPolling(t *testing.T) {
	// Given: an fsnotify watcher that has to give up its inotify watches
	dir := t.TempDir()
	w, err := NewHybridWatcher(Options{
		DebounceWindow: 20 * time.Millisecond,
		PollInterval:   30 * time.Millisecond,
	}.WithDefaults())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	w.root = dir
	go w.forward(ctx)

	// When: it falls back to polling
	go func() { _ = w.runPolling(ctx) }()

	// Then: it reports polling and still sees changes
	require.Eventually(t, func() bool { return w.WatcherType() == "polling" }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0o644))
	await(t, w, 2*time.Second, is("late.txt", OpCreate))
}

func TestHybridWatcher_Stop_ClosesChannels(t *testing.T) {
	w, err := NewHybridWatcher(DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok, "events channel should be closed")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestHybridWatcher_DroppedBatch_FlagsOverflow(t *testing.T) {
	// Given: a watcher whose consumer buffer holds one batch
	w, err := NewHybridWatcher(Options{EventBufferSize: 1}.WithDefaults())
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()
	assert.Equal(t, uint64(0), w.DroppedBatches())

	// When: three batches arrive before the consumer reads
	w.emitEvents([]FileEvent{{Path: "a.txt", Operation: OpCreate}})
	w.emitEvents([]FileEvent{{Path: "b.txt", Operation: OpCreate}})
	w.emitEvents([]FileEvent{{Path: "c.txt", Operation: OpCreate}})

	// Then: two were dropped
	assert.Equal(t, uint64(2), w.DroppedBatches())

	// And: the next delivered batch starts with an overflow marker
	first := <-w.Events()
	assert.Equal(t, "a.txt", first[0].Path)
	w.emitEvents([]FileEvent{{Path: "d.txt", Operation: OpCreate}})
	next := <-w.Events()
	require.Len(t, next, 2)
	assert.Equal(t, OpOverflow, next[0].Operation)
	assert.Equal(t, "d.txt", next[1].Path)

	// And: the marker is not repeated once delivered
	w.emitEvents([]FileEvent{{Path: "e.txt", Operation: OpCreate}})
	assert.Len(t, <-w.Events(), 1)
}
