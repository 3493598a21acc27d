package scan

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/annexwatch/internal/aggregate"
	"github.com/Aman-CERP/annexwatch/internal/request"
	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
	"github.com/Aman-CERP/annexwatch/internal/tracker/trackertest"
)

const root = "/srv/annex"

type claimSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (c *claimSet) TryAdd(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids == nil {
		c.ids = make(map[string]bool)
	}
	if c.ids[id] {
		return false
	}
	c.ids[id] = true
	return true
}

func (c *claimSet) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
}

type prefixVisibility string

func (v prefixVisibility) Covers(_ string, p string) bool {
	return store.IsWithin(p, string(v))
}

type fixture struct {
	store  *store.SQLiteStore
	fake   *trackertest.Fake
	sink   *request.Recorder
	claims *claimSet
	full   *FullScanner
	inc    *IncrementalScanner
	tree   *store.Tree
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	tree := &store.Tree{RootPath: root}
	require.NoError(t, s.SaveTree(context.Background(), tree))

	f := &fixture{store: s, fake: trackertest.NewFake(), sink: &request.Recorder{}, claims: &claimSet{}, tree: tree}
	agg := aggregate.New(s, f.fake, f.sink, nil)
	f.full = NewFullScanner(FullConfig{Store: s, Tracker: f.fake, Aggregator: agg, Claims: f.claims, BatchSize: 2})
	f.inc = NewIncrementalScanner(s, f.fake, f.sink, prefixVisibility("docs"), nil)
	return f
}

func (f *fixture) reload(t *testing.T) *store.Tree {
	t.Helper()
	tree, err := f.store.GetTree(context.Background(), f.tree.ID)
	require.NoError(t, err)
	f.tree = tree
	return tree
}

func (f *fixture) get(t *testing.T, p string) *store.PathStatus {
	t.Helper()
	row, err := f.store.Get(context.Background(), f.tree.ID, p)
	require.NoError(t, err)
	require.NotNil(t, row, p)
	return row
}

// twoFileTree is a root holding a.txt and b.txt, each present with one of
// two required copies.
func (f *fixture) twoFileTree() {
	f.fake.SetNumCopies(root, 2)
	f.fake.AddFile(root, "a.txt", "KEY-a", true, 1)
	f.fake.AddFile(root, "b.txt", "KEY-b", true, 1)
	f.fake.SetHeads(root, "h1", "m1")
}

func TestFullScan_TwoLackingFiles(t *testing.T) {
	// Given: two present files each short of their required copies
	f := newFixture(t)
	f.twoFileTree()

	// When: the tree is fully scanned
	require.NoError(t, f.full.Start(context.Background(), f.tree))

	// Then: the root is present, lacking, with one replica
	rootRow := f.get(t, store.Root)
	assert.Equal(t, store.PresencePresent, rootRow.Presence)
	assert.Equal(t, store.SufficiencyLacking, rootRow.Sufficiency)
	require.NotNil(t, rootRow.ReplicaCount)
	assert.Equal(t, 1, *rootRow.ReplicaCount)
	assert.False(t, rootRow.NeedsUpdate)

	// And: file rows carry their keys and the candidate cursor is stored
	assert.Equal(t, "KEY-a", f.get(t, "a.txt").ContentKey)
	tree := f.reload(t)
	require.NotNil(t, tree.Cursor)
	assert.Equal(t, store.Cursor{ContentCommit: "h1", MetaCommit: "m1"}, *tree.Cursor)

	snap := f.full.Progress(f.tree.ID)
	assert.Equal(t, "done", snap.Status)
	assert.Equal(t, 2, snap.Files)
	assert.Equal(t, 1, snap.Directories)
	assert.False(t, f.full.Scanning(f.tree.ID))
}

func TestFullScan_NestedDirectoriesAndUntracked(t *testing.T) {
	// Given: nested annexed files, an untracked file and an ignored dir
	f := newFixture(t)
	f.fake.SetHeads(root, "h1", "m1")
	f.fake.AddFile(root, "photos/2024/x.jpg", "K1", true, 3)
	f.fake.AddFile(root, "photos/2024/y.jpg", "K2", false, 2)
	f.fake.AddUntracked(root, "README")
	f.fake.AddDir(root, "build/cache")
	f.fake.Ignore(root, "build")

	// When: scanned
	require.NoError(t, f.full.Start(context.Background(), f.tree))

	// Then: directories resolve and the untracked file is waiting on a worker
	assert.Equal(t, store.PresencePartial, f.get(t, "photos/2024").Presence)
	assert.Equal(t, 2, *f.get(t, "photos").ReplicaCount)
	assert.Contains(t, f.sink.Paths(), "README")
	assert.True(t, f.get(t, store.Root).NeedsUpdate)
	row, err := f.store.Get(context.Background(), f.tree.ID, "build")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestFullScan_SingleFlightPerTree(t *testing.T) {
	f := newFixture(t)
	f.twoFileTree()
	require.True(t, f.claims.TryAdd(f.tree.ID))

	err := f.full.Start(context.Background(), f.tree)

	assert.ErrorIs(t, err, ErrAlreadyScanning)
	assert.Zero(t, f.fake.Calls("HeadCommit"))
}

func TestFullScan_FailureKeepsCursorAndRows(t *testing.T) {
	// Given: a tracker whose report fails
	f := newFixture(t)
	f.twoFileTree()
	f.fake.FailOn("Report", errors.New("whereis crashed"))

	// When: scanned
	err := f.full.Start(context.Background(), f.tree)

	// Then: the scan aborts without a cursor; placeholders remain
	require.Error(t, err)
	assert.Nil(t, f.reload(t).Cursor)
	assert.True(t, f.get(t, store.Root).NeedsUpdate)
	assert.Equal(t, "aborted", f.full.Progress(f.tree.ID).Status)
	assert.True(t, f.claims.TryAdd(f.tree.ID), "claim released")
}

func TestFullScan_StopAbortsBetweenPasses(t *testing.T) {
	// Given: a scan that is stopped while aggregating
	f := newFixture(t)
	f.twoFileTree()
	f.fake.OnList = func(string, string) { f.full.Stop(f.tree.ID) }

	// When: scanned
	err := f.full.Start(context.Background(), f.tree)

	// Then: it reports a stop and stores no cursor
	assert.ErrorIs(t, err, ErrStopped)
	assert.Nil(t, f.reload(t).Cursor)
}

func TestIncremental_NeverScanned(t *testing.T) {
	f := newFixture(t)

	_, err := f.inc.Scan(context.Background(), f.tree)

	assert.ErrorIs(t, err, ErrNeverScanned)
}

func TestIncremental_EmptyRepositoryCountsAsScanned(t *testing.T) {
	// Given: a full scan of a repository with no commits on either side
	f := newFixture(t)
	require.NoError(t, f.full.Start(context.Background(), f.tree))
	tree := f.reload(t)
	require.NotNil(t, tree.Cursor)
	assert.True(t, tree.Cursor.IsZero())

	// When: an incremental scan runs before any commit
	res, err := f.inc.Scan(context.Background(), tree)

	// Then: there is nothing to do and no full scan is asked for
	require.NoError(t, err)
	assert.False(t, res.Advanced)

	// When: the first commit lands
	f.sink.Requests = nil
	f.fake.AddFile(root, "a.txt", "KEY-a", true, 1)
	f.fake.SetHeads(root, "h1", "m1")
	f.fake.SetPathDiff(root, "", "h1", "a.txt")
	res, err = f.inc.Scan(context.Background(), f.reload(t))

	// Then: it is diffed from the empty side
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, []string{"a.txt"}, f.sink.Paths())
	assert.Equal(t, store.Cursor{ContentCommit: "h1", MetaCommit: "m1"}, *f.reload(t).Cursor)
}

func TestIncremental_NoHistoryChangeIsANoop(t *testing.T) {
	// Given: a fully scanned tree with no new commits
	f := newFixture(t)
	f.twoFileTree()
	require.NoError(t, f.full.Start(context.Background(), f.tree))
	tree := f.reload(t)
	f.sink.Requests = nil

	// When: incremental scans run twice
	for i := 0; i < 2; i++ {
		res, err := f.inc.Scan(context.Background(), tree)
		require.NoError(t, err)
		assert.False(t, res.Advanced)
	}

	// Then: nothing was requested, diffed or moved
	assert.Empty(t, f.sink.Requests)
	assert.Zero(t, f.fake.Calls("ChangedPaths"))
	assert.Equal(t, store.Cursor{ContentCommit: "h1", MetaCommit: "m1"}, *f.reload(t).Cursor)
}

func TestIncremental_DiffsBothHeads(t *testing.T) {
	// Given: a new commit adding docs/new.txt and a location change for a.txt
	f := newFixture(t)
	f.twoFileTree()
	require.NoError(t, f.full.Start(context.Background(), f.tree))
	f.sink.Requests = nil
	f.fake.SetHeads(root, "h2", "m2")
	f.fake.SetPathDiff(root, "h1", "h2", "docs/new.txt")
	f.fake.SetKeyDiff(root, "m1", "m2", tracker.KeyChanges{Keys: []string{"KEY-a"}})

	// When: an incremental scan runs
	res, err := f.inc.Scan(context.Background(), f.reload(t))

	// Then: both leaves are pending and requested, the visible one escalated
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, 2, res.Paths)
	assert.ElementsMatch(t, []string{"a.txt", "docs/new.txt"}, f.sink.Paths())
	for _, req := range f.sink.Requests {
		if req.Path == "docs/new.txt" {
			assert.Equal(t, request.Visible, req.Priority)
		} else {
			assert.Equal(t, request.Background, req.Priority)
		}
	}
	assert.True(t, f.get(t, "a.txt").NeedsUpdate)
	assert.True(t, f.get(t, "docs/new.txt").NeedsUpdate)
	docs := f.get(t, "docs")
	assert.True(t, docs.IsDirectory)
	assert.True(t, docs.NeedsUpdate)

	// And: the cursor moved to the observed heads
	assert.Equal(t, store.Cursor{ContentCommit: "h2", MetaCommit: "m2"}, *f.reload(t).Cursor)

	// When: run again with no further history
	f.sink.Requests = nil
	res, err = f.inc.Scan(context.Background(), f.tree)
	require.NoError(t, err)

	// Then: nothing new is derived
	assert.False(t, res.Advanced)
	assert.Empty(t, f.sink.Requests)
}

func TestIncremental_UnmappedKeyRechecksUntracked(t *testing.T) {
	// Given: a scanned tree with an untracked file and a key nobody maps to
	f := newFixture(t)
	f.twoFileTree()
	require.NoError(t, f.full.Start(context.Background(), f.tree))
	_, err := f.store.Upsert(context.Background(), f.tree.ID, "notes.txt", store.Fields{})
	require.NoError(t, err)
	f.sink.Requests = nil
	f.fake.SetHeads(root, "h1", "m2")
	f.fake.SetKeyDiff(root, "m1", "m2", tracker.KeyChanges{Keys: []string{"KEY-unknown"}})

	// When: an incremental scan runs
	res, err := f.inc.Scan(context.Background(), f.reload(t))

	// Then: untracked paths are rechecked; the work tree was not diffed
	require.NoError(t, err)
	assert.True(t, res.Rechecked)
	require.Len(t, f.sink.Requests, 1)
	assert.Equal(t, "notes.txt", f.sink.Requests[0].Path)
	assert.Equal(t, request.SourceRecheck, f.sink.Requests[0].Source)
	assert.Zero(t, f.fake.Calls("ChangedPaths"))
}

func TestIncremental_NumCopiesChangeRechecksTrackedFiles(t *testing.T) {
	f := newFixture(t)
	f.twoFileTree()
	require.NoError(t, f.full.Start(context.Background(), f.tree))
	f.sink.Requests = nil
	f.fake.SetHeads(root, "h1", "m2")
	f.fake.SetKeyDiff(root, "m1", "m2", tracker.KeyChanges{NumCopiesChanged: true})

	_, err := f.inc.Scan(context.Background(), f.reload(t))

	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.Calls("InvalidateNumCopies"))
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, f.sink.Paths())
}

func TestIncremental_FailureLeavesCursor(t *testing.T) {
	// Given: a work tree diff that fails
	f := newFixture(t)
	f.twoFileTree()
	require.NoError(t, f.full.Start(context.Background(), f.tree))
	f.sink.Requests = nil
	f.fake.SetHeads(root, "h2", "m1")
	f.fake.FailOn("ChangedPaths", errors.New("bad object h1"))

	// When: an incremental scan runs
	_, err := f.inc.Scan(context.Background(), f.reload(t))

	// Then: nothing is requested and the cursor stays put
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad object"))
	assert.Empty(t, f.sink.Requests)
	assert.Equal(t, "h1", f.reload(t).Cursor.ContentCommit)
}
