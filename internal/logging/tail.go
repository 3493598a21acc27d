package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
)

// Entry is one parsed JSON log record.
type Entry struct {
	Time    time.Time
	Level   string
	Msg     string
	Attrs   map[string]any
	Raw     string
	IsValid bool
}

// ParseLine parses a line written by the JSON handler. Lines that are not
// JSON come back with IsValid false and the text in Raw.
func ParseLine(line string) Entry {
	e := Entry{Raw: line}
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return e
	}
	e.IsValid = true
	if s, ok := m["time"].(string); ok {
		e.Time, _ = time.Parse(time.RFC3339Nano, s)
	}
	e.Level, _ = m["level"].(string)
	e.Msg, _ = m["msg"].(string)
	delete(m, "time")
	delete(m, "level")
	delete(m, "msg")
	e.Attrs = m
	return e
}

// Tail returns the last n records of path at or above minLevel.
func Tail(path string, n int, minLevel string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	min := LevelFromString(minLevel)
	var ring []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		e := ParseLine(sc.Text())
		if e.IsValid && LevelFromString(e.Level) < min {
			continue
		}
		ring = append(ring, e)
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return ring, nil
}

// FormatEntry renders e as a single human-readable line.
func FormatEntry(e Entry) string {
	if !e.IsValid {
		return e.Raw
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(e.Time.Format("15:04:05.000"))
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf("%-5s", levelLabel(e.Level)))
	sb.WriteString(" ")
	sb.WriteString(e.Msg)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, e.Attrs[k]))
	}
	return sb.String()
}

func levelLabel(level string) string {
	switch LevelFromString(level) {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// followPoll is how often Follow checks the file for new data.
var followPoll = 200 * time.Millisecond

// Follow streams records appended to path at or above minLevel to fn until
// ctx is done. A rotated file is reopened from its start.
func Follow(ctx context.Context, path, minLevel string, fn func(Entry)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek log file: %w", err)
	}

	min := LevelFromString(minLevel)
	r := bufio.NewReader(f)
	var partial string
	for {
		line, err := r.ReadString('\n')
		if err == nil {
			e := ParseLine(strings.TrimRight(partial+line, "\r\n"))
			partial = ""
			if !e.IsValid || LevelFromString(e.Level) >= min {
				fn(e)
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read log file: %w", err)
		}
		partial += line

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(followPoll):
		}

		if rotated(f, path) {
			nf, err := os.Open(path)
			if err != nil {
				continue
			}
			_ = f.Close()
			f = nf
			r.Reset(f)
			partial = ""
		}
	}
}

// rotated reports whether path no longer names the open file f.
func rotated(f *os.File, path string) bool {
	cur, err := f.Stat()
	if err != nil {
		return true
	}
	next, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !os.SameFile(cur, next)
}
