package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/annexwatch/internal/reconcile"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker/trackertest"
	"github.com/Aman-CERP/annexwatch/internal/watcher"
)

type harness struct {
	store *store.SQLiteStore
	fake  *trackertest.Fake
	orch  *reconcile.Orchestrator
}

// newHarness builds an orchestrator with live watchers over a fake tracker.
func newHarness(t *testing.T) *harness {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{store: st, fake: trackertest.NewFake()}
	h.orch, err = reconcile.New(reconcile.Options{
		Store:            st,
		Tracker:          h.fake,
		BatchSize:        16,
		DirectoryWorkers: 1,
		FileWorkers:      2,
		Watch: watcher.Options{
			DebounceWindow:  50 * time.Millisecond,
			EventBufferSize: 100,
		}.WithDefaults(),
		NotifyDebounce: 10 * time.Millisecond,
		Fatal:          func(err error) { t.Errorf("persistence failure: %v", err) },
	})
	require.NoError(t, err)
	t.Cleanup(h.orch.Close)
	require.NoError(t, h.orch.Start(context.Background()))
	return h
}

// row returns the cached status of p, or nil.
func (h *harness) row(t *testing.T, treeID, p string) *store.PathStatus {
	t.Helper()
	r, err := h.store.Get(context.Background(), treeID, p)
	require.NoError(t, err)
	return r
}
