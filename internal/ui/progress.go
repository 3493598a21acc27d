package ui

import (
	"sync"
	"time"
)

// speedInterval is the minimum spacing of throughput samples.
const speedInterval = 500 * time.Millisecond

// ProgressTracker aggregates progress events for display. It is safe for
// concurrent use.
type ProgressTracker struct {
	mu         sync.RWMutex
	tree       string
	stage      Stage
	current    int
	total      int
	startTime  time.Time
	stageStart time.Time
	errors     []ErrorEvent
	warnings   []ErrorEvent

	lastCurrent   int
	lastSpeedCalc time.Time
	currentSpeed  float64
	avgSpeed      float64
	peakSpeed     float64
	speedSamples  int
	sparkline     *Sparkline

	rows  map[string]*TreeProgress
	order []string
}

// TreeProgress is the last reported position of one tree.
type TreeProgress struct {
	Tree    string
	Stage   Stage
	Current int
	Total   int
}

// SpeedStats contains speed metrics for display.
type SpeedStats struct {
	Current float64
	Avg     float64
	Peak    float64
}

// ProgressStats is a snapshot of a ProgressTracker.
type ProgressStats struct {
	Tree       string
	Stage      Stage
	Current    int
	Total      int
	Progress   float64
	Elapsed    time.Duration
	ErrorCount int
	WarnCount  int
	Speed      SpeedStats
	// Trees lists every tree seen, in first-seen order.
	Trees []TreeProgress
}

// NewProgressTracker creates a tracker in the enumerating stage.
func NewProgressTracker() *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		stage:         StageEnumerating,
		startTime:     now,
		stageStart:    now,
		lastSpeedCalc: now,
		sparkline:     NewSparkline(60),
		rows:          make(map[string]*TreeProgress),
	}
}

// Apply records ev, resetting per-stage counters when the tree or stage
// changes. A StageComplete event only marks its tree finished.
func (p *ProgressTracker) Apply(ev ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Tree != "" {
		row, ok := p.rows[ev.Tree]
		if !ok {
			row = &TreeProgress{Tree: ev.Tree}
			p.rows[ev.Tree] = row
			p.order = append(p.order, ev.Tree)
		}
		row.Stage = ev.Stage
		if ev.Stage != StageComplete {
			row.Current, row.Total = ev.Current, ev.Total
		}
	}
	if ev.Stage == StageComplete && ev.Tree != "" {
		return
	}

	if ev.Stage != p.stage || ev.Tree != p.tree {
		p.resetStage(ev.Stage)
		p.tree = ev.Tree
	}
	p.total = ev.Total
	p.update(ev.Current)
}

// SetStage moves to stage with the given total.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetStage(stage)
	p.total = total
}

func (p *ProgressTracker) resetStage(stage Stage) {
	now := time.Now()
	p.stage = stage
	p.current, p.total, p.lastCurrent = 0, 0, 0
	p.stageStart, p.lastSpeedCalc = now, now
	p.currentSpeed, p.avgSpeed, p.peakSpeed = 0, 0, 0
	p.speedSamples = 0
	p.sparkline.Clear()
}

// Update sets the count within the current stage.
func (p *ProgressTracker) Update(current int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.update(current)
}

func (p *ProgressTracker) update(current int) {
	p.current = current

	now := time.Now()
	elapsed := now.Sub(p.lastSpeedCalc)
	if elapsed < speedInterval {
		return
	}
	if delta := current - p.lastCurrent; delta > 0 {
		speed := float64(delta) / elapsed.Seconds()
		p.currentSpeed = speed
		p.speedSamples++
		if p.speedSamples == 1 {
			p.avgSpeed = speed
		} else {
			p.avgSpeed = 0.2*speed + 0.8*p.avgSpeed
		}
		p.peakSpeed = max(p.peakSpeed, speed)
		p.sparkline.Add(speed)
	}
	p.lastCurrent = current
	p.lastSpeedCalc = now
}

// AddError records an error or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.IsWarn {
		p.warnings = append(p.warnings, event)
	} else {
		p.errors = append(p.errors, event)
	}
}

// Stats returns current statistics snapshot.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var progress float64
	if p.total > 0 {
		progress = min(float64(p.current)/float64(p.total), 1.0)
	}
	trees := make([]TreeProgress, 0, len(p.order))
	for _, t := range p.order {
		trees = append(trees, *p.rows[t])
	}
	return ProgressStats{
		Tree:       p.tree,
		Stage:      p.stage,
		Current:    p.current,
		Total:      p.total,
		Progress:   progress,
		Elapsed:    time.Since(p.startTime),
		ErrorCount: len(p.errors),
		WarnCount:  len(p.warnings),
		Speed: SpeedStats{
			Current: p.currentSpeed,
			Avg:     p.avgSpeed,
			Peak:    p.peakSpeed,
		},
		Trees: trees,
	}
}

// Errors returns the list of recorded errors.
func (p *ProgressTracker) Errors() []ErrorEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ErrorEvent(nil), p.errors...)
}

// Warnings returns the list of recorded warnings.
func (p *ProgressTracker) Warnings() []ErrorEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ErrorEvent(nil), p.warnings...)
}

// RenderSparkline returns the throughput sparkline.
func (p *ProgressTracker) RenderSparkline(width int) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sparkline.RenderWithWidth(width)
}
