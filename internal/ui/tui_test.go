package ui

import (
	"bytes"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel() (*scanModel, *ProgressTracker) {
	tracker := NewProgressTracker()
	m := newScanModel(tracker, "/trees/a")
	m.styles = NoColorStyles()
	return m, tracker
}

func TestNewTUIRenderer_RejectsNonTTY(t *testing.T) {
	r, err := NewTUIRenderer(NewConfig(&bytes.Buffer{}))

	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestScanModel_StagesShown(t *testing.T) {
	m, _ := newTestModel()

	view := m.View()

	assert.Contains(t, view, "annexwatch scan • /trees/a")
	assert.Contains(t, view, "Enumerating")
	assert.Contains(t, view, "Reporting")
	assert.Contains(t, view, "Aggregating")
}

func TestScanModel_CountUsesStageUnit(t *testing.T) {
	// Given: a tree in the reporting stage
	m, tracker := newTestModel()
	tracker.Apply(ProgressEvent{Tree: "/trees/a", Stage: StageReporting, Current: 42})

	// When
	view := m.View()

	// Then
	assert.Contains(t, view, "42 files")
	assert.Contains(t, view, "● Enumerating", "earlier stages are marked done")
	assert.Contains(t, view, "○ Aggregating", "later stages are pending")
}

func TestScanModel_ProgressBarWithTotal(t *testing.T) {
	m, tracker := newTestModel()
	tracker.Apply(ProgressEvent{Stage: StageAggregating, Current: 1, Total: 4})

	assert.Contains(t, m.View(), "25%")
}

func TestScanModel_StatusBarCounts(t *testing.T) {
	m, tracker := newTestModel()
	tracker.AddError(ErrorEvent{Err: assert.AnError})

	assert.Contains(t, m.View(), "1 errors")
}

func TestScanModel_CompleteQuits(t *testing.T) {
	m, _ := newTestModel()

	_, cmd := m.Update(completeMsg(CompletionStats{Trees: 1, Directories: 3, Files: 9, Duration: 2 * time.Second}))

	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	view := m.View()
	assert.Contains(t, view, "Scan complete")
	assert.Contains(t, view, "9")
}

func TestScanModel_QuitKey(t *testing.T) {
	m, _ := newTestModel()

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})

	require.NotNil(t, cmd)
	assert.Equal(t, "Cancelled.\n", m.View())
}

func TestScanModel_WindowResize(t *testing.T) {
	m, _ := newTestModel()

	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	assert.Equal(t, 120, m.width)
	assert.Equal(t, 100, m.progressBar.Width)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m", formatDuration(2*time.Minute))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h 1m", formatDuration(61*time.Minute))
}

func TestTruncatePath(t *testing.T) {
	assert.Equal(t, "/short", truncatePath("/short", 20))
	assert.Equal(t, ".../c/d", truncatePath("/a/b/c/d", 7))
	assert.Equal(t, "...", truncatePath("/a/b/c/d", 2))
}

func TestScanModel_ListsTreesWhenSeveral(t *testing.T) {
	m, tracker := newTestModel()
	tracker.Apply(ProgressEvent{Tree: "/trees/a", Stage: StageReporting, Current: 5})
	tracker.Apply(ProgressEvent{Tree: "/trees/b", Stage: StageEnumerating, Current: 2})
	tracker.Apply(ProgressEvent{Tree: "/trees/a", Stage: StageComplete})

	view := m.View()

	assert.Contains(t, view, "/trees/a  done")
	assert.Contains(t, view, "/trees/b  2 directories")
}
