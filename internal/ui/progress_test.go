package ui

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_ApplyResetsOnStageChange(t *testing.T) {
	// Given: a tracker with enumeration progress
	p := NewProgressTracker()
	p.Apply(ProgressEvent{Tree: "/a", Stage: StageEnumerating, Current: 12})
	assert.Equal(t, 12, p.Stats().Current)

	// When: the scan moves on to reporting
	p.Apply(ProgressEvent{Tree: "/a", Stage: StageReporting, Current: 3})

	// Then: counters belong to the new stage
	stats := p.Stats()
	assert.Equal(t, StageReporting, stats.Stage)
	assert.Equal(t, 3, stats.Current)
	assert.Equal(t, "/a", stats.Tree)
}

func TestProgressTracker_Progress(t *testing.T) {
	p := NewProgressTracker()

	p.Apply(ProgressEvent{Stage: StageReporting, Current: 5})
	assert.Zero(t, p.Stats().Progress, "unknown total has no fraction")

	p.Apply(ProgressEvent{Stage: StageReporting, Current: 5, Total: 10})
	assert.InDelta(t, 0.5, p.Stats().Progress, 0.001)

	p.Apply(ProgressEvent{Stage: StageReporting, Current: 15, Total: 10})
	assert.InDelta(t, 1.0, p.Stats().Progress, 0.001, "clamped")
}

func TestProgressTracker_SpeedSamples(t *testing.T) {
	p := NewProgressTracker()
	p.Apply(ProgressEvent{Stage: StageReporting, Current: 0})

	// Force the next update past the sampling interval.
	p.mu.Lock()
	p.lastSpeedCalc = time.Now().Add(-time.Second)
	p.mu.Unlock()
	p.Update(100)

	stats := p.Stats()
	assert.Greater(t, stats.Speed.Current, 0.0)
	assert.Equal(t, stats.Speed.Current, stats.Speed.Peak)
	assert.Equal(t, stats.Speed.Current, stats.Speed.Avg)
}

func TestProgressTracker_Errors(t *testing.T) {
	p := NewProgressTracker()

	p.AddError(ErrorEvent{Err: errors.New("boom")})
	p.AddError(ErrorEvent{Err: errors.New("meh"), IsWarn: true})

	stats := p.Stats()
	assert.Equal(t, 1, stats.ErrorCount)
	assert.Equal(t, 1, stats.WarnCount)
	assert.Len(t, p.Errors(), 1)
	assert.Len(t, p.Warnings(), 1)
}

func TestProgressTracker_TreesInFirstSeenOrder(t *testing.T) {
	// Given: two trees reporting interleaved progress
	p := NewProgressTracker()
	p.Apply(ProgressEvent{Tree: "/b", Stage: StageEnumerating, Current: 4})
	p.Apply(ProgressEvent{Tree: "/a", Stage: StageReporting, Current: 7, Total: 10})
	p.Apply(ProgressEvent{Tree: "/b", Stage: StageEnumerating, Current: 9})

	// When: /a finishes
	p.Apply(ProgressEvent{Tree: "/a", Stage: StageComplete})

	// Then: each tree keeps its own row and completion leaves the aggregate alone
	stats := p.Stats()
	assert.Equal(t, []TreeProgress{
		{Tree: "/b", Stage: StageEnumerating, Current: 9},
		{Tree: "/a", Stage: StageComplete, Current: 7, Total: 10},
	}, stats.Trees)
	assert.Equal(t, StageEnumerating, stats.Stage)
	assert.Equal(t, "/b", stats.Tree)
}
