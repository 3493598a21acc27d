package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Aman-CERP/annexwatch/pkg/version"
)

// MarkerFile is the name of the file that records a passed check run.
const MarkerFile = ".preflight-passed"

// NeedsCheck reports whether the required checks should run before the
// daemon starts: no run has passed in dataDir yet, or it passed under a
// different annexwatch version.
func NeedsCheck(dataDir string) bool {
	v, _, ok := readMarker(dataDir)
	return !ok || v != version.Short()
}

// MarkPassed records a passed check run for the running version.
func MarkPassed(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}
	content := version.Short() + "\n" + time.Now().Format(time.RFC3339) + "\n"
	return os.WriteFile(filepath.Join(dataDir, MarkerFile), []byte(content), 0o644)
}

// ClearMarker removes the marker file, forcing a re-check on next run.
func ClearMarker(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, MarkerFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove marker file: %w", err)
	}
	return nil
}

// MarkerAge returns how long ago the checks passed, or zero without a marker.
func MarkerAge(dataDir string) time.Duration {
	_, at, ok := readMarker(dataDir)
	if !ok {
		return 0
	}
	return time.Since(at)
}

func readMarker(dataDir string) (ver string, at time.Time, ok bool) {
	content, err := os.ReadFile(filepath.Join(dataDir, MarkerFile))
	if err != nil {
		return "", time.Time{}, false
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		return "", time.Time{}, false
	}
	at, err = time.Parse(time.RFC3339, lines[1])
	if err != nil {
		return "", time.Time{}, false
	}
	return lines[0], at, true
}
