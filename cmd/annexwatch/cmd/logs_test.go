package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "annexwatch.log")
	lines := []string{
		`{"time":"2026-01-02T03:04:05Z","level":"DEBUG","msg":"queue_admitted","path":"a"}`,
		`{"time":"2026-01-02T03:04:06Z","level":"INFO","msg":"scan_started","tree":"t1"}`,
		`{"time":"2026-01-02T03:04:07Z","level":"WARN","msg":"scan_aborted","tree":"t1"}`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestLogs_TailsFile(t *testing.T) {
	// Given: a log file with three records
	path := writeLog(t)
	var out, errOut bytes.Buffer

	// When: showing the last two
	err := runLogs(context.Background(), &out, &errOut, logsOptions{lines: 2, level: "debug", logFile: path})

	// Then: the newest two are printed and the path goes to stderr
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "queue_admitted")
	assert.Contains(t, out.String(), "scan_started")
	assert.Contains(t, out.String(), "scan_aborted")
	assert.Contains(t, errOut.String(), path)
}

func TestLogs_LevelAndFilter(t *testing.T) {
	path := writeLog(t)
	var out bytes.Buffer

	err := runLogs(context.Background(), &out, &bytes.Buffer{}, logsOptions{lines: 50, level: "info", filter: "aborted", logFile: path})

	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "WARN  scan_aborted tree=t1")
}

func TestLogs_InvalidFilter(t *testing.T) {
	err := runLogs(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, logsOptions{filter: "(", logFile: writeLog(t)})

	assert.ErrorContains(t, err, "invalid filter pattern")
}

func TestLogs_MissingFile(t *testing.T) {
	err := runLogs(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, logsOptions{logFile: filepath.Join(t.TempDir(), "none.log")})

	assert.ErrorContains(t, err, "log file not found")
}
