// Package scan brings a tree's status rows up to date, either from scratch
// (FullScanner) or from the commits made since the last handled cursor
// (IncrementalScanner).
package scan

import (
	"errors"
	"sync/atomic"

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
)

// ErrStopped is returned when a scan gives up because its token was stopped.
var ErrStopped = awerrors.New(awerrors.ErrCodeScanAbort, "scan stopped", nil)

// ErrAlreadyScanning is returned by FullScanner.Start while the tree is busy.
var ErrAlreadyScanning = errors.New("full scan already running")

// ErrNeverScanned is returned by IncrementalScanner.Scan for trees with no
// cursor; a full scan is owed first.
var ErrNeverScanned = errors.New("tree has never been fully scanned")

// Token is a cooperative stop flag handed to a running scan.
type Token struct {
	stopped atomic.Bool
}

// NewToken returns a token that has not been stopped.
func NewToken() *Token {
	return &Token{}
}

// Stop asks the holder to give up at its next check.
func (t *Token) Stop() {
	t.stopped.Store(true)
}

// Stopped reports whether Stop was called.
func (t *Token) Stopped() bool {
	return t.stopped.Load()
}

// Claims is the set of trees a full scan is currently running for.
type Claims interface {
	// TryAdd adds id and reports whether it was absent.
	TryAdd(id string) bool
	Remove(id string)
}

// Visibility reports whether a path lies under a directory a client is
// currently showing.
type Visibility interface {
	Covers(treeID, p string) bool
}
