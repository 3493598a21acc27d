package integration

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/annexwatch/internal/config"
	"github.com/Aman-CERP/annexwatch/internal/reconcile"
	"github.com/Aman-CERP/annexwatch/internal/store"
)

// Watcher integration tests run real fsnotify watchers on a temp tree and
// check that disk changes flow through to the status store.

func TestWatcher_FileCreated_RefreshesStatus(t *testing.T) {
	// Given: a watched, scanned tree with one file
	h := newHarness(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	h.fake.AddFile(root, "a.txt", "KEY-a", true, 1)
	h.fake.SetHeads(root, "h1", "m1")

	tree, err := h.orch.AddTree(context.Background(), root)
	require.NoError(t, err)
	h.orch.Settle()
	require.NotNil(t, h.row(t, tree.ID, "a.txt"))

	// When: a second file appears on disk
	h.fake.AddFile(root, "b.txt", "KEY-b", false, 2)
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644))

	// Then: its status is cached without a rescan
	require.Eventually(t, func() bool {
		return h.row(t, tree.ID, "b.txt") != nil
	}, 5*time.Second, 50*time.Millisecond)
	h.orch.Settle()

	b := h.row(t, tree.ID, "b.txt")
	assert.Equal(t, "KEY-b", b.ContentKey)
	assert.Equal(t, store.PresenceAbsent, b.Presence)
	assert.Equal(t, store.PresencePartial, h.row(t, tree.ID, store.Root).Presence)
	assert.Equal(t, 1, h.fake.Calls("Report"), "watcher events never force a full scan")
}

func TestWatcher_FileDeleted_DropsRow(t *testing.T) {
	// Given: a watched tree with two files
	h := newHarness(t)
	root := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(name), 0o644))
		h.fake.AddFile(root, name, "KEY-"+name, true, 1)
	}

	tree, err := h.orch.AddTree(context.Background(), root)
	require.NoError(t, err)
	h.orch.Settle()
	require.NotNil(t, h.row(t, tree.ID, "b.txt"))

	// When: b.txt is removed from disk
	h.fake.Remove(root, "b.txt")
	require.NoError(t, os.Remove(filepath.Join(root, "b.txt")))

	// Then: its row goes away and a.txt is untouched
	require.Eventually(t, func() bool {
		return h.row(t, tree.ID, "b.txt") == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.NotNil(t, h.row(t, tree.ID, "a.txt"))
}

func TestWatcher_Change_PublishesNotification(t *testing.T) {
	// Given: a subscriber on a watched tree
	h := newHarness(t)
	root := t.TempDir()
	tree, err := h.orch.AddTree(context.Background(), root)
	require.NoError(t, err)
	h.orch.Settle()

	ch := h.orch.Subscribe()
	defer h.orch.Unsubscribe(ch)

	// When: a file is written
	h.fake.AddFile(root, "new.bin", "KEY-new", true, 1)
	require.NoError(t, os.WriteFile(filepath.Join(root, "new.bin"), []byte("x"), 0o644))

	// Then: a status notification names its absolute path
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.Type == reconcile.EventStatusChanged && n.TreeID == tree.ID && slices.Contains(n.Paths, filepath.Join(root, "new.bin")) {
				return
			}
		case <-deadline:
			t.Fatal("no status notification for new.bin")
		}
	}
}

func TestConfigFollow_AddsAndRemovesTrees(t *testing.T) {
	// Given: an orchestrator following an empty configuration file
	h := newHarness(t)
	cfg := config.NewConfig()
	cfg.Storage.DataDir = t.TempDir()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, path) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Let the config watcher register before the first write.
	time.Sleep(100 * time.Millisecond)

	// When: a tree is added to the file
	root := t.TempDir()
	cfg.AddTree(root)
	require.NoError(t, cfg.WriteYAML(path))

	// Then: the orchestrator starts serving it
	require.Eventually(t, func() bool {
		trees, err := h.orch.Trees(context.Background())
		return err == nil && len(trees) == 1
	}, 5*time.Second, 50*time.Millisecond)

	// When: the tree is removed again
	cfg.RemoveTree(root)
	require.NoError(t, cfg.WriteYAML(path))

	// Then: it is dropped
	require.Eventually(t, func() bool {
		trees, err := h.orch.Trees(context.Background())
		return err == nil && len(trees) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

