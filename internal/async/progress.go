package async

import (
	"sync"
	"time"
)

// ScanStatus represents the overall state of a tree's full scan.
type ScanStatus string

const (
	// StatusIdle indicates no scan has run since startup.
	StatusIdle ScanStatus = "idle"
	// StatusScanning indicates a full scan is in progress.
	StatusScanning ScanStatus = "scanning"
	// StatusDone indicates the last scan completed and the cursor was stored.
	StatusDone ScanStatus = "done"
	// StatusAborted indicates the last scan was stopped or failed.
	StatusAborted ScanStatus = "aborted"
)

// ScanStage represents the current step of a full scan.
type ScanStage string

const (
	// StageEnumerating walks the directory tree and writes placeholders.
	StageEnumerating ScanStage = "enumerating"
	// StageReporting streams the tracker's whereis report.
	StageReporting ScanStage = "reporting"
	// StageAggregating runs folder aggregation to a fixpoint.
	StageAggregating ScanStage = "aggregating"
)

// ScanProgressSnapshot is an immutable snapshot of scan progress.
type ScanProgressSnapshot struct {
	Status         string `json:"status"`
	Stage          string `json:"stage,omitempty"`
	Directories    int    `json:"directories"`
	Files          int    `json:"files"`
	Passes         int    `json:"passes"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ScanProgress provides thread-safe tracking of one tree's scan.
type ScanProgress struct {
	mu sync.RWMutex

	status      ScanStatus
	stage       ScanStage
	directories int
	files       int
	passes      int
	startTime   time.Time
	endTime     time.Time
	errMessage  string
}

// NewScanProgress creates an idle progress tracker.
func NewScanProgress() *ScanProgress {
	return &ScanProgress{status: StatusIdle}
}

// Begin resets the counters for a new scan.
func (p *ScanProgress) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusScanning
	p.stage = StageEnumerating
	p.directories, p.files, p.passes = 0, 0, 0
	p.startTime = time.Now()
	p.endTime = time.Time{}
	p.errMessage = ""
}

// SetStage moves the scan to stage.
func (p *ScanProgress) SetStage(stage ScanStage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
}

// AddDirectories adds n to the enumerated directory count.
func (p *ScanProgress) AddDirectories(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.directories += n
}

// AddFiles adds n to the reported file count.
func (p *ScanProgress) AddFiles(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files += n
}

// AddPasses records n aggregation passes.
func (p *ScanProgress) AddPasses(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passes += n
}

// Finish marks the scan done, or aborted when err is non-nil.
func (p *ScanProgress) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endTime = time.Now()
	p.stage = ""
	if err != nil {
		p.status = StatusAborted
		p.errMessage = err.Error()
		return
	}
	p.status = StatusDone
}

// IsScanning returns true while a scan is in progress.
func (p *ScanProgress) IsScanning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == StatusScanning
}

// Snapshot returns an immutable copy of the current progress state.
func (p *ScanProgress) Snapshot() ScanProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var elapsed time.Duration
	switch {
	case p.startTime.IsZero():
	case p.endTime.IsZero():
		elapsed = time.Since(p.startTime)
	default:
		elapsed = p.endTime.Sub(p.startTime)
	}

	return ScanProgressSnapshot{
		Status:         string(p.status),
		Stage:          string(p.stage),
		Directories:    p.directories,
		Files:          p.files,
		Passes:         p.passes,
		ElapsedSeconds: int(elapsed.Seconds()),
		ErrorMessage:   p.errMessage,
	}
}
