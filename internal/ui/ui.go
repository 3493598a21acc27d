// Package ui renders scan progress and daemon status on a terminal.
//
// Interactive terminals get a bubbletea view; pipes, CI and NO_COLOR get
// plain lines.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/annexwatch/internal/async"
)

// Stage is a step of a full scan as shown to the user.
type Stage int

const (
	StageEnumerating Stage = iota
	StageReporting
	StageAggregating
	StageComplete
)

var stageNames = [...]struct{ name, icon, unit string }{
	StageEnumerating: {"Enumerating", "ENUM", "directories"},
	StageReporting:   {"Reporting", "REPORT", "files"},
	StageAggregating: {"Aggregating", "AGG", "passes"},
	StageComplete:    {"Complete", "DONE", ""},
}

func (s Stage) known() bool { return s >= 0 && int(s) < len(stageNames) }

// String returns the human-readable stage name.
func (s Stage) String() string {
	if !s.known() {
		return "Unknown"
	}
	return stageNames[s].name
}

// Icon returns the short tag used in plain output.
func (s Stage) Icon() string {
	if !s.known() {
		return "???"
	}
	return stageNames[s].icon
}

// Unit names what Current counts in this stage.
func (s Stage) Unit() string {
	if !s.known() {
		return ""
	}
	return stageNames[s].unit
}

// ProgressEvent is one progress update for a tree.
type ProgressEvent struct {
	Tree    string
	Stage   Stage
	Current int
	// Total is zero when the end is not known in advance.
	Total   int
	Message string
}

// ProgressFromSnapshot converts a scanner snapshot. ok is false when the
// tree is not being scanned.
func ProgressFromSnapshot(tree string, snap async.ScanProgressSnapshot) (ev ProgressEvent, ok bool) {
	if snap.Status != string(async.StatusScanning) {
		return ProgressEvent{}, false
	}
	ev.Tree = tree
	switch async.ScanStage(snap.Stage) {
	case async.StageReporting:
		ev.Stage, ev.Current = StageReporting, snap.Files
	case async.StageAggregating:
		ev.Stage, ev.Current = StageAggregating, snap.Passes
	default:
		ev.Stage, ev.Current = StageEnumerating, snap.Directories
	}
	return ev, true
}

// ErrorEvent is a problem met while scanning.
type ErrorEvent struct {
	Tree   string
	Err    error
	IsWarn bool
}

// CompletionStats summarises a finished scan run.
type CompletionStats struct {
	Trees       int
	Directories int
	Files       int
	Passes      int
	// Rows, Tracked and Dirty are summed over the store's tree stats.
	Rows     int
	Tracked  int
	Dirty    int
	Duration time.Duration
	Errors   int
	Warnings int
}

// Renderer displays scan progress.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// UpdateProgress updates progress display.
	UpdateProgress(event ProgressEvent)

	// AddError adds an error to display.
	AddError(event ErrorEvent)

	// Complete marks rendering as complete with summary.
	Complete(stats CompletionStats)

	// Stop stops the renderer and cleans up.
	Stop() error
}

// Config configures the UI renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	// Title is shown in the TUI header, typically the scanned root.
	Title string
}

// NewConfig returns the settings for out: color only on a terminal without
// NO_COLOR.
func NewConfig(out io.Writer) Config {
	return Config{Output: out, NoColor: !UseColor(out)}
}

// NewRenderer returns a TUI renderer for interactive terminals and a plain
// renderer for CI, pipes or when plain output is forced.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI reports whether a CI system's marker variable is set.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE"} {
		if _, ok := os.LookupEnv(v); ok {
			return true
		}
	}
	return false
}

// UseColor reports whether styled output should be written to w.
func UseColor(w io.Writer) bool {
	return IsTTY(w) && !DetectNoColor()
}
