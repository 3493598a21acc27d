// Package request defines the transient envelope the scanners and the
// aggregator use to ask for a path's status to be (re)computed.
package request

import "fmt"

// Source records what produced a request.
type Source string

const (
	SourceWatcher   Source = "watcher"
	SourceScan      Source = "scan"
	SourceAggregate Source = "aggregate"
	SourceRecheck   Source = "recheck"
	SourceClient    Source = "client"
)

// Priority selects the admission queue a request is placed on.
type Priority int

const (
	// Background requests share the small directory pool.
	Background Priority = iota
	// Visible requests are for paths a client is currently showing.
	Visible
)

func (p Priority) String() string {
	if p == Visible {
		return "visible"
	}
	return "background"
}

// PathRequest asks for the status of one path in one tree. It is never persisted.
type PathRequest struct {
	TreeID   string
	Path     string
	Source   Source
	Priority Priority
	// IsDir is a hint; nil means unknown and the worker stats the path.
	IsDir *bool
}

// Key identifies the request for in-flight deduplication.
func (r PathRequest) Key() string {
	return r.TreeID + "\x00" + r.Path
}

func (r PathRequest) String() string {
	return fmt.Sprintf("%s:%s (%s, %s)", r.TreeID, r.Path, r.Source, r.Priority)
}

// Dir returns a pointer hint for IsDir.
func Dir(isDir bool) *bool {
	return &isDir
}

// Sink accepts status requests. Implementations must not block on the work
// itself and may drop requests that duplicate one already in flight.
type Sink interface {
	Submit(req PathRequest)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(req PathRequest)

// Submit calls f(req).
func (f SinkFunc) Submit(req PathRequest) { f(req) }

// Recorder is a Sink that keeps every request, for tests and dry runs.
type Recorder struct {
	Requests []PathRequest
}

// Submit appends req.
func (r *Recorder) Submit(req PathRequest) {
	r.Requests = append(r.Requests, req)
}

// Paths returns the recorded paths in submission order.
func (r *Recorder) Paths() []string {
	out := make([]string, len(r.Requests))
	for i, req := range r.Requests {
		out[i] = req.Path
	}
	return out
}
