package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/daemon"
)

// StatusRenderer prints daemon replies for humans.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor)}
}

// Render prints the daemon status report.
func (r *StatusRenderer) Render(st *daemon.StatusResult) error {
	r.printf("%s\n", r.styles.Header.Render("annexwatch daemon"))
	r.printf("  PID:      %d\n", st.PID)
	if st.Version != "" {
		r.printf("  Version:  %s\n", st.Version)
	}
	r.printf("  Uptime:   %s\n", st.Uptime)
	r.printf("  Clients:  %d subscribed\n\n", st.Subscribers)

	if len(st.Trees) == 0 {
		r.printf("  %s\n", r.styles.Dim.Render("no trees watched"))
	}
	for _, t := range st.Trees {
		r.printf("  %s %s\n", r.styles.Active.Render(t.Root), r.styles.Dim.Render("("+t.ID+")"))
		scan := t.Scan.Status
		if t.Scan.Stage != "" {
			scan += " / " + t.Scan.Stage
		}
		r.printf("    Scan:     %s\n", r.styles.State(t.Scan.Status).Render(scan))
		if t.Scan.ErrorMessage != "" {
			r.printf("    Error:    %s\n", r.styles.Error.Render(t.Scan.ErrorMessage))
		}
		if t.Cursor != nil && !t.Cursor.IsZero() {
			r.printf("    Cursor:   %s / %s\n", ShortCommit(t.Cursor.ContentCommit), ShortCommit(t.Cursor.MetaCommit))
		} else {
			r.printf("    Cursor:   %s\n", r.styles.Dim.Render("never scanned"))
		}
		r.printf("    Rows:     %d (%d tracked, %d dirty)\n", t.Stats.Rows, t.Stats.Tracked, t.Stats.Dirty)
		watching := "off"
		if t.Watching {
			watching = "running"
		}
		r.printf("    Watcher:  %s\n", r.styles.State(watching).Render(watching))
		if len(t.Visible) > 0 {
			r.printf("    Visible:  %s\n", strings.Join(t.Visible, ", "))
		}
		r.printf("\n")
	}

	if len(st.Queues) > 0 {
		r.printf("  Queues:\n")
		for _, name := range sortedKeys(st.Queues) {
			q := st.Queues[name]
			r.printf("    %-12s %d queued, %d running\n", name, q[0], q[1])
		}
	}
	if len(st.Breakers) > 0 {
		r.printf("  Circuit breakers:\n")
		for _, root := range sortedKeys(st.Breakers) {
			state := st.Breakers[root]
			r.printf("    %s %s\n", r.styles.State(state).Render(fmt.Sprintf("%-9s", state)), root)
		}
	}
	return nil
}

// RenderPath prints one path_status reply.
func (r *StatusRenderer) RenderPath(abs string, res *daemon.PathStatusResult) error {
	if res.Status == nil {
		r.printf("%s  %s\n", abs, r.styles.Dim.Render("pending"))
		return nil
	}
	s := res.Status
	kind := "file"
	if s.IsDirectory {
		kind = "dir"
	}
	if !s.IsTracked {
		r.printf("%s  %s  %s\n", abs, r.styles.Dim.Render(kind), r.styles.Dim.Render("untracked"))
		return nil
	}

	line := fmt.Sprintf("%s  %s  %s  %s", abs, r.styles.Dim.Render(kind),
		r.styles.Presence(s.Presence).Render(orDash(s.Presence)),
		r.styles.Sufficiency(s.Sufficiency).Render(orDash(s.Sufficiency)))
	if s.ReplicaCount != nil {
		line += fmt.Sprintf("  copies=%d", *s.ReplicaCount)
	}
	if s.NeedsUpdate {
		line += "  " + r.styles.Warning.Render("stale")
	}
	r.printf("%s\n", line)
	if s.ContentKey != "" {
		r.printf("  %s %s\n", r.styles.Label.Render("key:"), s.ContentKey)
	}
	return nil
}

// RenderTrees prints the watched tree list.
func (r *StatusRenderer) RenderTrees(trees []daemon.TreeInfo) error {
	if len(trees) == 0 {
		r.printf("%s\n", r.styles.Dim.Render("no trees watched"))
		return nil
	}
	for _, t := range trees {
		state := r.styles.Dim.Render("never scanned")
		if t.Scanned {
			state = fmt.Sprintf("%s / %s", ShortCommit(t.ContentCommit), ShortCommit(t.MetaCommit))
		}
		r.printf("%s  %s  added %s\n", r.styles.Active.Render(t.Root), state, formatTime(t.AddedAt))
	}
	return nil
}

// RenderJSON outputs v as indented JSON.
func (r *StatusRenderer) RenderJSON(v any) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (r *StatusRenderer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ShortCommit abbreviates a commit hash; an empty hash is an unborn branch.
func ShortCommit(c string) string {
	switch {
	case c == "":
		return "(none)"
	case len(c) > 10:
		return c[:10]
	default:
		return c
	}
}

// formatTime formats a time relative to now.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	diff := time.Since(t)
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit + " ago"
		}
		return fmt.Sprintf("%d %ss ago", n, unit)
	}
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	default:
		return t.Format("2006-01-02 15:04")
	}
}
