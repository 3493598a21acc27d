package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.annexwatch/logs/).
// Falls back to the temp directory if the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".annexwatch", "logs")
	}
	return filepath.Join(home, ".annexwatch", "logs")
}

// DefaultLogPath returns the default daemon log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "annexwatch.log")
}

// FindLogFile returns explicit if it exists, otherwise the default log path.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	path := DefaultLogPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("no log file found; the daemon may not have run yet.\nExpected at: %s", path)
}
