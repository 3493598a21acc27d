// Package trackertest provides a scriptable in-memory Tracker.
package trackertest

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/Aman-CERP/annexwatch/internal/store"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
)

type entry struct {
	isDir   bool
	tracked bool
	report  tracker.FileReport
}

type repo struct {
	head, annex string
	numCopies   int
	entries     map[string]*entry
	ignored     map[string]bool
	pathDiffs   map[string][]string
	keyDiffs    map[string]tracker.KeyChanges
}

// Fake is an in-memory Tracker. Roots are created on first use with
// numcopies 1 and an empty root directory.
type Fake struct {
	mu    sync.Mutex
	repos map[string]*repo
	fail  map[string]error
	calls map[string]int
	// OnList, when set, runs at the start of every ListChildren call.
	OnList func(root, dir string)
}

// NewFake creates an empty fake tracker.
func NewFake() *Fake {
	return &Fake{
		repos: make(map[string]*repo),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *Fake) repo(root string) *repo {
	r, ok := f.repos[root]
	if !ok {
		r = &repo{
			numCopies: 1,
			entries:   map[string]*entry{store.Root: {isDir: true}},
			ignored:   make(map[string]bool),
			pathDiffs: make(map[string][]string),
			keyDiffs:  make(map[string]tracker.KeyChanges),
		}
		f.repos[root] = r
	}
	return r
}

func (r *repo) ensureParents(p string) {
	for _, a := range store.Ancestors(p) {
		if _, ok := r.entries[a]; !ok {
			r.entries[a] = &entry{isDir: true}
		}
	}
}

// AddFile adds an annexed file.
func (f *Fake) AddFile(root, p, key string, here bool, copies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repo(root)
	r.ensureParents(p)
	r.entries[p] = &entry{tracked: true, report: tracker.FileReport{Path: p, Key: key, Here: here, Copies: copies}}
}

// AddUntracked adds a file git-annex does not manage.
func (f *Fake) AddUntracked(root, p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repo(root)
	r.ensureParents(p)
	r.entries[p] = &entry{}
}

// AddDir adds a directory and its ancestors.
func (f *Fake) AddDir(root, p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repo(root)
	r.ensureParents(p)
	r.entries[p] = &entry{isDir: true}
}

// Remove deletes p and everything beneath it.
func (f *Fake) Remove(root, p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repo(root)
	for q := range r.entries {
		if q != store.Root && store.IsWithin(q, p) {
			delete(r.entries, q)
		}
	}
}

// Ignore marks p as ignored by git.
func (f *Fake) Ignore(root, p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repo(root).ignored[p] = true
}

// SetHeads sets the HEAD and git-annex branch commits.
func (f *Fake) SetHeads(root, head, annex string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repo(root)
	r.head, r.annex = head, annex
}

// SetNumCopies sets the required copy count.
func (f *Fake) SetNumCopies(root string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repo(root).numCopies = n
}

// SetPathDiff scripts the ChangedPaths result for from..to.
func (f *Fake) SetPathDiff(root, from, to string, paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repo(root).pathDiffs[from+".."+to] = paths
}

// SetKeyDiff scripts the ChangedKeys result for from..to.
func (f *Fake) SetKeyDiff(root, from, to string, kc tracker.KeyChanges) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repo(root).keyDiffs[from+".."+to] = kc
}

// FailOn makes method return err until cleared with a nil err.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

// Calls returns how often method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) enter(method string) error {
	f.calls[method]++
	return f.fail[method]
}

func (f *Fake) HeadCommit(_ context.Context, root string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadCommit"); err != nil {
		return "", err
	}
	return f.repo(root).head, nil
}

func (f *Fake) AnnexCommit(_ context.Context, root string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AnnexCommit"); err != nil {
		return "", err
	}
	return f.repo(root).annex, nil
}

func (f *Fake) NumCopies(_ context.Context, root string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("NumCopies"); err != nil {
		return 0, err
	}
	return f.repo(root).numCopies, nil
}

func (f *Fake) Report(ctx context.Context, root string, fn func(*tracker.FileReport) error) error {
	f.mu.Lock()
	if err := f.enter("Report"); err != nil {
		f.mu.Unlock()
		return err
	}
	r := f.repo(root)
	var reports []tracker.FileReport
	for _, e := range r.entries {
		if e.tracked {
			reports = append(reports, e.report)
		}
	}
	f.mu.Unlock()

	sort.Slice(reports, func(i, j int) bool { return reports[i].Path < reports[j].Path })
	for i := range reports {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&reports[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) PathStatus(_ context.Context, root, p string) (*tracker.FileReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PathStatus"); err != nil {
		return nil, err
	}
	e, ok := f.repo(root).entries[p]
	if !ok || !e.tracked {
		return nil, nil
	}
	rep := e.report
	return &rep, nil
}

func (f *Fake) ChangedPaths(_ context.Context, root, from, to string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChangedPaths"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.repo(root).pathDiffs[from+".."+to]...), nil
}

func (f *Fake) ChangedKeys(_ context.Context, root, from, to string) (tracker.KeyChanges, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChangedKeys"); err != nil {
		return tracker.KeyChanges{}, err
	}
	return f.repo(root).keyDiffs[from+".."+to], nil
}

func (f *Fake) Directories(_ context.Context, root string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Directories"); err != nil {
		return nil, err
	}
	r := f.repo(root)
	var dirs []string
	for p, e := range r.entries {
		if e.isDir && !r.hidden(p) {
			dirs = append(dirs, p)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// hidden reports whether p or one of its ancestors is ignored.
func (r *repo) hidden(p string) bool {
	if r.ignored[p] {
		return true
	}
	for _, a := range store.Ancestors(p) {
		if r.ignored[a] {
			return true
		}
	}
	return false
}

func (f *Fake) ListChildren(_ context.Context, root, dir string) ([]tracker.Child, error) {
	if f.OnList != nil {
		f.OnList(root, dir)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListChildren"); err != nil {
		return nil, err
	}
	r := f.repo(root)
	if e, ok := r.entries[dir]; !ok || !e.isDir {
		return nil, fmt.Errorf("list %s: %w", dir, fs.ErrNotExist)
	}
	var children []tracker.Child
	for p, e := range r.entries {
		if p != store.Root && store.ParentOf(p) == dir && !r.ignored[p] {
			children = append(children, tracker.Child{Path: p, IsDir: e.isDir})
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Path < children[j].Path })
	return children, nil
}

func (f *Fake) FilterIgnored(_ context.Context, root string, paths []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FilterIgnored"); err != nil {
		return nil, err
	}
	r := f.repo(root)
	var kept []string
	for _, p := range paths {
		if !r.ignored[p] {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

func (f *Fake) InvalidateNumCopies(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["InvalidateNumCopies"]++
}

func (f *Fake) Stat(_ context.Context, root, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Stat"); err != nil {
		return false, err
	}
	e, ok := f.repo(root).entries[p]
	if !ok {
		return false, fmt.Errorf("stat %s: %w", p, fs.ErrNotExist)
	}
	return e.isDir, nil
}

var _ tracker.Tracker = (*Fake)(nil)
