package reconcile

import (
	"sort"
	"sync"

	"github.com/Aman-CERP/annexwatch/internal/store"
)

// PathSet is a mutex guarded set of strings. The Orchestrator uses one to
// record which trees a full scan is running for.
type PathSet struct {
	mu    sync.Mutex
	items map[string]struct{}
}

// NewPathSet returns an empty set.
func NewPathSet() *PathSet {
	return &PathSet{items: make(map[string]struct{})}
}

// TryAdd adds s and reports whether it was absent.
func (p *PathSet) TryAdd(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[s]; ok {
		return false
	}
	p.items[s] = struct{}{}
	return true
}

// Remove deletes s.
func (p *PathSet) Remove(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, s)
}

// Contains reports whether s is in the set.
func (p *PathSet) Contains(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.items[s]
	return ok
}

// Items returns the members in sorted order.
func (p *PathSet) Items() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.items))
	for s := range p.items {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// VisibleSet holds the directories clients are currently showing, per tree.
type VisibleSet struct {
	mu   sync.RWMutex
	dirs map[string]map[string]struct{}
}

// NewVisibleSet returns an empty set.
func NewVisibleSet() *VisibleSet {
	return &VisibleSet{dirs: make(map[string]map[string]struct{})}
}

// Set marks dir of treeID visible or hidden.
func (v *VisibleSet) Set(treeID, dir string, visible bool) {
	dir = store.Clean(dir)
	v.mu.Lock()
	defer v.mu.Unlock()
	if !visible {
		delete(v.dirs[treeID], dir)
		if len(v.dirs[treeID]) == 0 {
			delete(v.dirs, treeID)
		}
		return
	}
	if v.dirs[treeID] == nil {
		v.dirs[treeID] = make(map[string]struct{})
	}
	v.dirs[treeID][dir] = struct{}{}
}

// Covers reports whether p is a visible directory or a direct child of one.
func (v *VisibleSet) Covers(treeID, p string) bool {
	p = store.Clean(p)
	v.mu.RLock()
	defer v.mu.RUnlock()
	dirs := v.dirs[treeID]
	if len(dirs) == 0 {
		return false
	}
	if _, ok := dirs[p]; ok {
		return true
	}
	parent := store.ParentOf(p)
	if parent == "" {
		return false
	}
	_, ok := dirs[parent]
	return ok
}

// Forget drops every visible directory of treeID.
func (v *VisibleSet) Forget(treeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.dirs, treeID)
}

// Dirs returns the visible directories of treeID in sorted order.
func (v *VisibleSet) Dirs(treeID string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.dirs[treeID]))
	for d := range v.dirs[treeID] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
