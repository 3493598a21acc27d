// Package store persists per-path status rows and tree records in SQLite.
// It is the only durable state annexwatch owns; everything in it can be
// recomputed by a full scan.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"
)

// Root is the path of a tree's root directory.
const Root = "."

// Presence is the local availability of a path's content.
type Presence string

const (
	PresenceUnknown Presence = ""
	PresencePresent Presence = "present"
	PresenceAbsent  Presence = "absent"
	// PresencePartial only occurs on directories.
	PresencePartial Presence = "partial"
)

// Sufficiency reports whether a path meets the configured replica minimum.
type Sufficiency string

const (
	SufficiencyUnknown Sufficiency = ""
	SufficiencyEnough  Sufficiency = "enough"
	SufficiencyLacking Sufficiency = "lacking"
)

// PathStatus is one row of the status cache.
type PathStatus struct {
	Path        string
	IsDirectory bool
	// IsTracked is false for paths outside the content tracker's purview.
	// A directory is tracked iff some child contributed to its fold.
	IsTracked    bool
	Presence     Presence
	Sufficiency  Sufficiency
	ReplicaCount *int
	// ContentKey is set on tracked files only.
	ContentKey string
	// ParentPath is empty for the root.
	ParentPath   string
	NeedsUpdate  bool
	LastModified time.Time
}

// Contributes reports whether the row takes part in its parent's fold.
func (p *PathStatus) Contributes() bool {
	return !p.NeedsUpdate && p.Presence != PresenceUnknown && p.ReplicaCount != nil
}

// Fields is the writable part of a PathStatus.
type Fields struct {
	IsDirectory  bool
	IsTracked    bool
	Presence     Presence
	Sufficiency  Sufficiency
	ReplicaCount *int
	ContentKey   string
	NeedsUpdate  bool
}

// Fields returns the writable part of p.
func (p *PathStatus) Fields() Fields {
	return Fields{
		IsDirectory:  p.IsDirectory,
		IsTracked:    p.IsTracked,
		Presence:     p.Presence,
		Sufficiency:  p.Sufficiency,
		ReplicaCount: p.ReplicaCount,
		ContentKey:   p.ContentKey,
		NeedsUpdate:  p.NeedsUpdate,
	}
}

// Equal reports whether f and o would produce the same row.
func (f Fields) Equal(o Fields) bool {
	if f.IsDirectory != o.IsDirectory || f.IsTracked != o.IsTracked ||
		f.Presence != o.Presence || f.Sufficiency != o.Sufficiency ||
		f.ContentKey != o.ContentKey || f.NeedsUpdate != o.NeedsUpdate {
		return false
	}
	if (f.ReplicaCount == nil) != (o.ReplicaCount == nil) {
		return false
	}
	return f.ReplicaCount == nil || *f.ReplicaCount == *o.ReplicaCount
}

// Count returns a pointer to n, for ReplicaCount literals.
func Count(n int) *int {
	return &n
}

// Cursor is the high-water mark of history folded into the store.
type Cursor struct {
	// ContentCommit is the last handled working tree HEAD.
	ContentCommit string
	// MetaCommit is the last handled git-annex branch head.
	MetaCommit string
}

// IsZero reports whether neither commit is set, as in a repository with no
// commits yet. A zero cursor still counts as scanned.
func (c Cursor) IsZero() bool {
	return c.ContentCommit == "" && c.MetaCommit == ""
}

// Tree is a watched root.
type Tree struct {
	ID           string
	RootPath     string
	AddedAt      time.Time
	LastModified time.Time
	// Cursor is nil until the first full scan succeeds.
	Cursor *Cursor
}

// Stats summarises a tree's rows.
type Stats struct {
	Rows    int `json:"rows"`
	Dirty   int `json:"dirty"`
	Tracked int `json:"tracked"`
}

// WriteHook is called after a commit that changed rows of a tree.
type WriteHook func(treeID string, paths []string)

// Store is the status cache.
type Store interface {
	Get(ctx context.Context, treeID, p string) (*PathStatus, error)
	Upsert(ctx context.Context, treeID, p string, f Fields) (bool, error)
	BatchInsertPlaceholders(ctx context.Context, treeID string, paths []string, isDirectory bool) (int, error)
	MarkPending(ctx context.Context, treeID string, paths []string, isDirectory bool) (int, error)
	MarkDirty(ctx context.Context, treeID, p string) error
	ChildrenOf(ctx context.Context, treeID, parent string) ([]PathStatus, error)
	DirtyDirectories(ctx context.Context, treeID string) ([]string, error)
	PathsForKey(ctx context.Context, treeID, key string) ([]string, error)
	UntrackedPaths(ctx context.Context, treeID string) ([]string, error)
	DeletePath(ctx context.Context, treeID, p string) (int, error)
	ChangedSince(ctx context.Context, treeID string, t time.Time) ([]PathStatus, error)
	LastModified(ctx context.Context, treeID string) (time.Time, error)
	Stats(ctx context.Context, treeID string) (Stats, error)

	SaveTree(ctx context.Context, t *Tree) error
	GetTree(ctx context.Context, id string) (*Tree, error)
	GetTreeByRoot(ctx context.Context, root string) (*Tree, error)
	ListTrees(ctx context.Context) ([]*Tree, error)
	DeleteTree(ctx context.Context, id string) error
	SetCursor(ctx context.Context, id string, c Cursor) error

	SetWriteHook(h WriteHook)
	Close() error
}

// TreeID derives a stable identifier from an absolute root path.
func TreeID(root string) string {
	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])
}

// Clean normalizes a tree-relative path. "", "/" and "./" all map to Root.
func Clean(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return Root
	}
	return p
}

// ParentOf returns the parent of a clean path, or "" for the root.
func ParentOf(p string) string {
	if p == Root {
		return ""
	}
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return Root
	}
	return p[:i]
}

// Depth is the number of path elements; the root has depth 0.
func Depth(p string) int {
	if p == Root {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// Ancestors returns the strict ancestors of p from its parent up to Root.
func Ancestors(p string) []string {
	var out []string
	for parent := ParentOf(p); parent != ""; parent = ParentOf(parent) {
		out = append(out, parent)
	}
	return out
}

// IsWithin reports whether p equals dir or lies beneath it.
func IsWithin(p, dir string) bool {
	if dir == Root || p == dir {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}
