// Package output formats one-shot CLI messages. Icons are colored when the
// destination is a terminal and NO_COLOR is unset.
package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/ui"
)

// Writer prints CLI messages. Write errors are ignored; there is nowhere
// left to report them.
type Writer struct {
	out    io.Writer
	styles ui.Styles
}

// New creates a Writer, enabling color only for terminals.
func New(out io.Writer) *Writer {
	return NewWithColor(out, ui.UseColor(out))
}

// NewWithColor creates a Writer with color explicitly on or off.
func NewWithColor(out io.Writer, color bool) *Writer {
	return &Writer{out: out, styles: ui.GetStyles(!color)}
}

func (w *Writer) line(icon string, style lipgloss.Style, msg string) {
	if icon == "" {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
		return
	}
	_, _ = fmt.Fprintf(w.out, "%s %s\n", style.Render(icon), msg)
}

// Status prints msg after icon, or indented when icon is empty.
func (w *Writer) Status(icon, msg string) { w.line(icon, lipgloss.NewStyle(), msg) }

// Success prints msg with a check mark.
func (w *Writer) Success(msg string) { w.line("✓", w.styles.Success, msg) }

// Warning prints msg with a warning sign.
func (w *Writer) Warning(msg string) { w.line("⚠", w.styles.Warning, msg) }

// Error prints msg with a cross.
func (w *Writer) Error(msg string) { w.line("✗", w.styles.Error, msg) }

// Fail prints err with its hint and code.
func (w *Writer) Fail(err error) {
	if err == nil {
		return
	}
	lines := strings.Split(strings.TrimRight(awerrors.FormatForCLI(err), "\n"), "\n")
	w.Error(strings.TrimPrefix(lines[0], "Error: "))
	for _, l := range lines[1:] {
		_, _ = fmt.Fprintln(w.out, w.styles.Dim.Render(l))
	}
}

// KeyValue prints an aligned label and value.
func (w *Writer) KeyValue(key string, value any) {
	_, _ = fmt.Fprintf(w.out, "  %s %v\n", w.styles.Label.Render(fmt.Sprintf("%-12s", key+":")), value)
}

// List prints title and one indented line per item, or none when items is
// empty.
func (w *Writer) List(title string, items []string, none string) {
	w.Status("", title)
	if len(items) == 0 {
		w.Status("", "  "+w.styles.Dim.Render(none))
		return
	}
	for _, it := range items {
		w.Status("", "  "+it)
	}
}

// Steps prints a numbered list of follow-up commands.
func (w *Writer) Steps(title string, steps ...string) {
	w.Status("", title)
	for i, s := range steps {
		w.Status("", fmt.Sprintf("  %d. %s", i+1, s))
	}
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}
