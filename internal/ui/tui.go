package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUIRenderer draws scan progress with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *scanModel
	tracker *ProgressTracker
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails when the output is not a
// terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}

	tracker := NewProgressTracker()
	model := newScanModel(tracker, cfg.Title)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}

	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   model,
		done:    make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	var opts []tea.ProgramOption
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	opts = append(opts, tea.WithContext(ctx))

	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.tracker.Apply(event)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		r.program.Send(progressMsg(event))
	}
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.tracker.AddError(event)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		r.program.Send(errorMsg(event))
	}
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.tracker.SetStage(StageComplete, 0)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		r.program.Send(completeMsg(stats))
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	program := r.program
	r.mu.Unlock()

	if program == nil {
		return nil
	}
	program.Quit()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		// An unresponsive terminal must not hang shutdown.
	}
	return nil
}

type progressMsg ProgressEvent
type errorMsg ErrorEvent
type completeMsg CompletionStats
type tickMsg time.Time

// scanModel is the bubbletea model for scan progress.
type scanModel struct {
	tracker     *ProgressTracker
	title       string
	width       int
	quitting    bool
	complete    bool
	stats       CompletionStats
	spinner     spinner.Model
	progressBar progress.Model
	styles      Styles
}

func newScanModel(tracker *ProgressTracker, title string) *scanModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent))

	p := progress.New(
		progress.WithSolidFill(ColorAccent),
		progress.WithWidth(50),
		progress.WithoutPercentage(),
	)

	return &scanModel{
		tracker:     tracker,
		title:       title,
		spinner:     s,
		progressBar: p,
		styles:      DefaultStyles(),
		width:       80,
	}
}

// Init implements tea.Model.
func (m *scanModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *scanModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progressBar.Width = max(msg.Width-20, 20)

	case progressMsg, errorMsg:
		// The tracker already holds the state.
		return m, nil

	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit

	case tickMsg:
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *scanModel) View() string {
	if m.quitting {
		return "Cancelled.\n"
	}
	if m.complete {
		return m.renderComplete()
	}

	width := max(m.width-4, 40)
	stats := m.tracker.Stats()

	sections := []string{
		m.renderStages(stats.Stage),
		m.renderDivider(width),
		m.renderCount(stats),
		m.renderSpeed(stats),
		m.renderDivider(width),
		m.styles.Sparkline.Render(m.tracker.RenderSparkline(max(width-12, 10))) + " " + m.styles.Dim.Render("throughput"),
	}
	switch {
	case len(stats.Trees) > 1:
		sections = append(sections, m.renderDivider(width), m.renderTrees(stats.Trees, width-2))
	case stats.Tree != "":
		sections = append(sections, m.renderDivider(width), m.styles.Dim.Render(truncatePath(stats.Tree, width-2)))
	}

	title := "annexwatch scan"
	if m.title != "" {
		title += " • " + m.title
	}
	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorDarkGray)).
		Padding(0, 1).
		Width(width)

	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(title),
		panel.Render(strings.Join(sections, "\n")),
	) + "\n" + m.renderStatusBar(stats)
}

// renderStages shows the three scan steps, marking done, active and pending.
func (m *scanModel) renderStages(current Stage) string {
	var parts []string
	for _, s := range []Stage{StageEnumerating, StageReporting, StageAggregating} {
		switch {
		case s < current:
			parts = append(parts, m.styles.Success.Render("● "+s.String()))
		case s == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *scanModel) renderCount(stats ProgressStats) string {
	count := m.styles.Label.Render(fmt.Sprintf("%d %s", stats.Current, stats.Stage.Unit()))
	if stats.Total == 0 {
		return fmt.Sprintf("%s %s", m.spinner.View(), count)
	}
	bar := m.progressBar.ViewAs(stats.Progress)
	pct := m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100))
	return fmt.Sprintf("%s  %s\n%s", bar, pct, count)
}

func (m *scanModel) renderSpeed(stats ProgressStats) string {
	speed := fmt.Sprintf("Speed: %.0f/s", stats.Speed.Current)
	if stats.Speed.Avg > 0 {
		speed += fmt.Sprintf(" (avg: %.0f, peak: %.0f)", stats.Speed.Avg, stats.Speed.Peak)
	}
	elapsed := "Elapsed: " + formatDuration(stats.Elapsed)
	return m.styles.Speed.Render(speed) + m.styles.Dim.Render("  •  ") + m.styles.Label.Render(elapsed)
}

// renderTrees lists each tree with its own stage and count.
func (m *scanModel) renderTrees(trees []TreeProgress, width int) string {
	lines := make([]string, 0, len(trees))
	for _, t := range trees {
		count := fmt.Sprintf("%d %s", t.Current, t.Stage.Unit())
		if t.Stage == StageComplete {
			count = "done"
		}
		path := truncatePath(t.Tree, max(width-len(count)-4, 10))
		row := fmt.Sprintf("%-6s %s  %s", t.Stage.Icon(), path, count)
		if t.Stage == StageComplete {
			lines = append(lines, m.styles.Success.Render(row))
		} else {
			lines = append(lines, m.styles.Dim.Render(row))
		}
	}
	return strings.Join(lines, "\n")
}

func (m *scanModel) renderDivider(width int) string {
	return m.styles.Border.Render(strings.Repeat("─", width))
}

func (m *scanModel) renderStatusBar(stats ProgressStats) string {
	var parts []string
	if stats.WarnCount > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("⚠ %d warnings", stats.WarnCount)))
	}
	if stats.ErrorCount > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("✗ %d errors", stats.ErrorCount)))
	}
	parts = append(parts, m.styles.Dim.Render("q to quit"))
	return strings.Join(parts, m.styles.Dim.Render("  │  "))
}

func (m *scanModel) renderComplete() string {
	label := m.styles.Label.Render
	value := func(v any) string { return m.styles.Active.Render(fmt.Sprint(v)) }

	lines := []string{
		m.styles.Success.Render("✓ Scan complete"),
		"",
		fmt.Sprintf("%s       %s", label("Trees:"), value(m.stats.Trees)),
		fmt.Sprintf("%s %s", label("Directories:"), value(m.stats.Directories)),
		fmt.Sprintf("%s       %s", label("Files:"), value(m.stats.Files)),
		fmt.Sprintf("%s    %s", label("Duration:"), value(formatDuration(m.stats.Duration))),
	}
	if m.stats.Rows > 0 {
		lines = append(lines, fmt.Sprintf("%s        %s", label("Rows:"),
			value(fmt.Sprintf("%d (%d tracked, %d dirty)", m.stats.Rows, m.stats.Tracked, m.stats.Dirty))))
	}
	if m.stats.Errors > 0 {
		lines = append(lines, "", m.styles.Error.Render(fmt.Sprintf("✗ %d errors", m.stats.Errors)))
	}
	if m.stats.Warnings > 0 {
		lines = append(lines, m.styles.Warning.Render(fmt.Sprintf("⚠ %d warnings", m.stats.Warnings)))
	}

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorAccent)).
		Padding(1, 2).
		Width(max(m.width-4, 40))
	return panel.Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration formats a duration in a human-friendly way.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		m, s := int(d.Minutes()), int(d.Seconds())%60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// truncatePath shortens p from the left to at most maxLen bytes.
func truncatePath(p string, maxLen int) string {
	if len(p) <= maxLen {
		return p
	}
	if maxLen <= 3 {
		return "..."
	}
	return "..." + p[len(p)-maxLen+3:]
}

var _ Renderer = (*TUIRenderer)(nil)
