package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Debouncer merges the raw events of a tree into batches with at most one
// event per path.
//
// A path's merged event depends only on whether it existed before its first
// event and whether it exists after its last one:
//
//	before  after  result
//	no      no     dropped
//	no      yes    OpCreate
//	yes     no     OpDelete
//	yes     yes    OpModify
//
// Repository changes and overflows are flags, not paths, and lead the batch.
// A batch is emitted once no event arrived for window, or maxWait after the
// oldest pending event, whichever comes first. A full output channel keeps
// the batch pending and retries after another window, so nothing is lost.
type Debouncer struct {
	window  time.Duration
	maxWait time.Duration
	out     chan []FileEvent

	mu       sync.Mutex
	pending  map[string]*merged
	repo     bool
	overflow bool
	oldest   time.Time
	timer    *time.Timer
	stopped  bool
}

type merged struct {
	existedBefore bool
	last          FileEvent
}

// NewDebouncer creates a debouncer. maxWait <= window disables the cap.
func NewDebouncer(window, maxWait time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		maxWait: maxWait,
		out:     make(chan []FileEvent, 10),
		pending: make(map[string]*merged),
	}
}

// exists reports whether a path is present after op.
func exists(op Operation) bool {
	return op == OpCreate || op == OpModify
}

// Add records event.
func (d *Debouncer) Add(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	switch event.Operation {
	case OpRepoChange:
		d.repo = true
	case OpOverflow:
		d.overflow = true
	default:
		if m, ok := d.pending[event.Path]; ok {
			m.last = event
		} else {
			d.pending[event.Path] = &merged{existedBefore: event.Operation != OpCreate, last: event}
		}
	}

	if d.oldest.IsZero() {
		d.oldest = time.Now()
	}
	d.schedule()
}

// schedule arms the flush timer. Callers hold mu.
func (d *Debouncer) schedule() {
	wait := d.window
	if d.maxWait > d.window {
		if left := d.maxWait - time.Since(d.oldest); left < wait {
			wait = max(left, 0)
		}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(wait, d.flush)
}

// batch builds the merged events. Callers hold mu.
func (d *Debouncer) batch() []FileEvent {
	events := make([]FileEvent, 0, len(d.pending)+2)
	now := time.Now()
	if d.overflow {
		events = append(events, FileEvent{Path: RepoPath, Operation: OpOverflow, Timestamp: now})
	}
	if d.repo {
		events = append(events, FileEvent{Path: RepoPath, Operation: OpRepoChange, Timestamp: now})
	}

	paths := make([]FileEvent, 0, len(d.pending))
	for _, m := range d.pending {
		ev := m.last
		after := exists(ev.Operation)
		switch {
		case !m.existedBefore && !after:
			continue
		case !m.existedBefore:
			ev.Operation = OpCreate
		case !after:
			ev.Operation = OpDelete
			ev.IsDir = false
		default:
			ev.Operation = OpModify
		}
		paths = append(paths, ev)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Path < paths[j].Path })
	return append(events, paths...)
}

func (d *Debouncer) reset() {
	d.pending = make(map[string]*merged)
	d.repo, d.overflow = false, false
	d.oldest = time.Time{}
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	events := d.batch()
	if len(events) == 0 {
		d.reset()
		return
	}
	select {
	case d.out <- events:
		d.reset()
	default:
		slog.Warn("debouncer_output_full", slog.Int("pending", len(events)))
		if d.timer != nil {
			d.timer.Stop()
		}
		d.timer = time.AfterFunc(d.window, d.flush)
	}
}

// Output returns the channel of merged batches.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.out
}

// Pending returns the number of paths waiting for the next batch.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop discards pending events and closes the output channel. Safe to call
// multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.out)
}
