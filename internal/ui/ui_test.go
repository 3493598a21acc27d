package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/annexwatch/internal/async"
)

func TestStage_Names(t *testing.T) {
	tests := []struct {
		stage Stage
		name  string
		icon  string
		unit  string
	}{
		{StageEnumerating, "Enumerating", "ENUM", "directories"},
		{StageReporting, "Reporting", "REPORT", "files"},
		{StageAggregating, "Aggregating", "AGG", "passes"},
		{StageComplete, "Complete", "DONE", ""},
		{Stage(99), "Unknown", "???", ""},
		{Stage(-1), "Unknown", "???", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.stage.String())
			assert.Equal(t, tt.icon, tt.stage.Icon())
			assert.Equal(t, tt.unit, tt.stage.Unit())
		})
	}
}

func TestProgressFromSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		snap    async.ScanProgressSnapshot
		ok      bool
		stage   Stage
		current int
	}{
		{name: "idle", snap: async.ScanProgressSnapshot{Status: "idle"}},
		{name: "done", snap: async.ScanProgressSnapshot{Status: "done", Files: 4}},
		{
			name:  "enumerating",
			snap:  async.ScanProgressSnapshot{Status: "scanning", Stage: "enumerating", Directories: 7},
			ok:    true,
			stage: StageEnumerating, current: 7,
		},
		{
			name:  "reporting",
			snap:  async.ScanProgressSnapshot{Status: "scanning", Stage: "reporting", Directories: 7, Files: 30},
			ok:    true,
			stage: StageReporting, current: 30,
		},
		{
			name:  "aggregating",
			snap:  async.ScanProgressSnapshot{Status: "scanning", Stage: "aggregating", Passes: 2},
			ok:    true,
			stage: StageAggregating, current: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := ProgressFromSnapshot("/trees/a", tt.snap)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, "/trees/a", ev.Tree)
			assert.Equal(t, tt.stage, ev.Stage)
			assert.Equal(t, tt.current, ev.Current)
		})
	}
}

func TestNewConfig_BufferHasNoColor(t *testing.T) {
	buf := &bytes.Buffer{}
	cfg := NewConfig(buf)

	assert.Same(t, buf, cfg.Output)
	assert.True(t, cfg.NoColor)
	assert.False(t, cfg.ForcePlain)
}

func TestNewRenderer_NonTTYIsPlain(t *testing.T) {
	r := NewRenderer(NewConfig(&bytes.Buffer{}))

	_, ok := r.(*PlainRenderer)
	assert.True(t, ok)
}

func TestIsTTY(t *testing.T) {
	assert.False(t, IsTTY(nil))
	assert.False(t, IsTTY(&bytes.Buffer{}))
	assert.False(t, UseColor(&bytes.Buffer{}))
}

func TestDetectNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.True(t, DetectNoColor())
}

func TestDetectCI(t *testing.T) {
	t.Setenv("CI", "true")
	assert.True(t, DetectCI())
}
