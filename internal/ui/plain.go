package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer prints a line whenever a tree enters a new stage, and every
// event that carries a message. It never redraws, so its output can be
// piped or logged.
type PlainRenderer struct {
	out io.Writer

	mu     sync.Mutex
	stages map[string]Stage
	failed int
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output, stages: make(map[string]Stage)}
}

func (r *PlainRenderer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

// Start implements Renderer. There is nothing to start.
func (r *PlainRenderer) Start(context.Context) error { return nil }

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error { return nil }

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, seen := r.stages[event.Tree]
	r.stages[event.Tree] = event.Stage
	switch {
	case event.Message != "":
		r.printf("[%s] %s - %s\n", event.Stage.Icon(), event.Tree, event.Message)
	case !seen || prev != event.Stage:
		r.printf("[%s] %s\n", event.Stage.Icon(), event.Tree)
	}
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	level := "WARN"
	if !event.IsWarn {
		level = "ERROR"
		r.failed++
	}
	if event.Tree == "" {
		r.printf("%s: %v\n", level, event.Err)
		return
	}
	r.printf("%s: %s: %v\n", level, event.Tree, event.Err)
}

// Complete implements Renderer. The error count is the larger of stats.Errors
// and the errors this renderer was given.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	errs := max(stats.Errors, r.failed)
	r.printf("Complete: %d trees, %d directories, %d files in %s",
		stats.Trees, stats.Directories, stats.Files, stats.Duration.Round(100*time.Millisecond))
	if errs > 0 || stats.Warnings > 0 {
		r.printf(" (%d errors, %d warnings)", errs, stats.Warnings)
	}
	r.printf("\n")
	if stats.Rows == 0 {
		return
	}
	r.printf("  Rows:    %d (%d tracked, %d dirty)\n", stats.Rows, stats.Tracked, stats.Dirty)
	r.printf("  Passes:  %d\n", stats.Passes)
}
