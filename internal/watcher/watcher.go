package watcher

import (
	"strings"
	"time"
)

// Operation is the kind of change a FileEvent reports.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
	// OpRename is the old name of a renamed entry; the new name arrives as
	// OpCreate.
	OpRename
	// OpRepoChange means a local branch ref, HEAD or packed-refs moved.
	OpRepoChange
	// OpOverflow means events were lost and the whole tree must be rescanned.
	OpOverflow
)

var opNames = [...]string{
	OpCreate:     "CREATE",
	OpModify:     "MODIFY",
	OpDelete:     "DELETE",
	OpRename:     "RENAME",
	OpRepoChange: "REPO_CHANGE",
	OpOverflow:   "OVERFLOW",
}

func (op Operation) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return "UNKNOWN"
	}
	return opNames[op]
}

// RepoPath is the Path of every OpRepoChange and OpOverflow event.
const RepoPath = ".git"

// FileEvent is one change below a watched root. Path is relative to the root
// and slash separated.
type FileEvent struct {
	Path      string
	Operation Operation
	IsDir     bool
	Timestamp time.Time
}

// Options configures a HybridWatcher. Zero fields take the values from
// DefaultOptions, except MaxWait which becomes ten debounce windows.
type Options struct {
	DebounceWindow time.Duration
	MaxWait        time.Duration
	PollInterval   time.Duration
	// EventBufferSize is the capacity, in batches, of the Events channel.
	EventBufferSize int
	ForcePolling    bool
}

// DefaultOptions returns the watcher defaults used when config is silent.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  300 * time.Millisecond,
		MaxWait:         3 * time.Second,
		PollInterval:    5 * time.Second,
		EventBufferSize: 1000,
	}
}

// WithDefaults fills the zero fields of o.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = d.DebounceWindow
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 10 * o.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = d.EventBufferSize
	}
	return o
}

// inGitDir reports whether rel is .git or lies beneath it.
func inGitDir(rel string) bool {
	return rel == RepoPath || strings.HasPrefix(rel, RepoPath+"/")
}

// watchGitDir reports whether a directory under .git must be watched.
// Only the ref namespace for local branches is interesting.
func watchGitDir(rel string) bool {
	return rel == RepoPath || rel == ".git/refs" || rel == ".git/refs/heads" ||
		strings.HasPrefix(rel, ".git/refs/heads/")
}

// isRepoRef reports whether a change to rel means history moved.
func isRepoRef(rel string) bool {
	if strings.HasSuffix(rel, ".lock") {
		return false
	}
	return rel == ".git/HEAD" || rel == ".git/packed-refs" || strings.HasPrefix(rel, ".git/refs/heads/")
}

// classify turns a raw change into the event to report, or false to drop it.
func classify(rel string, op Operation, isDir bool) (FileEvent, bool) {
	if rel == "." || rel == "" {
		return FileEvent{}, false
	}
	if inGitDir(rel) {
		if isDir || !isRepoRef(rel) {
			return FileEvent{}, false
		}
		return FileEvent{Path: RepoPath, Operation: OpRepoChange, Timestamp: time.Now()}, true
	}
	return FileEvent{Path: rel, Operation: op, IsDir: isDir, Timestamp: time.Now()}, true
}
