package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter appends to a log file and rotates it by size. On rotation
// path becomes path.1, path.1 becomes path.2 and so on; path.<maxFiles> is
// discarded.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int

	mu        sync.Mutex
	file      *os.File
	size      int64
	syncEvery bool
}

// NewRotatingWriter opens path for appending, creating its directory.
// Writes are synced one by one until SyncEachWrite(false), so `annexwatch
// logs -f` sees every record as it is written.
func NewRotatingWriter(path string, maxSizeMB, maxFiles int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &RotatingWriter{
		path:      path,
		maxSize:   int64(maxSizeMB) << 20,
		maxFiles:  maxFiles,
		syncEvery: true,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// SyncEachWrite turns the per-write fsync on or off.
func (w *RotatingWriter) SyncEachWrite(on bool) {
	w.mu.Lock()
	w.syncEvery = on
	w.mu.Unlock()
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			// Losing rotation must not lose the record.
			_, _ = fmt.Fprintf(os.Stderr, "annexwatch: log rotation failed: %v\n", err)
			if w.file == nil {
				if err := w.open(); err != nil {
					return 0, err
				}
			}
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	if err == nil && w.syncEvery {
		_ = w.file.Sync()
	}
	return n, err
}

// Sync flushes the open file.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the file. Later writes fail with os.ErrClosed.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *RotatingWriter) backup(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

// rotate must be called with mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	w.file = nil

	if err := os.Remove(w.backup(w.maxFiles)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove oldest log: %w", err)
	}
	for n := w.maxFiles - 1; n >= 1; n-- {
		if err := os.Rename(w.backup(n), w.backup(n+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("shift %s: %w", w.backup(n), err)
		}
	}
	if err := os.Rename(w.path, w.backup(1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return w.open()
}
