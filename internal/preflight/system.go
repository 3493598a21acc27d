package preflight

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

const (
	// MinDiskSpaceBytes is the minimum required free disk space (100MB).
	MinDiskSpaceBytes = 100 * 1024 * 1024
	// MinFileDescriptors is the minimum required file descriptor limit.
	MinFileDescriptors = 1024
	// MinInotifyWatches is the watch count below which large trees fall
	// back to polling.
	MinInotifyWatches = 65536
)

// CheckDiskSpace checks if there's sufficient disk space at the given path.
func (c *Checker) CheckDiskSpace(path string) CheckResult {
	result := CheckResult{
		Name:     "disk_space",
		Required: true,
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check disk space: %v", err)
		return result
	}

	available := stat.Bavail * uint64(stat.Bsize)
	result.Message = fmt.Sprintf("%s free (minimum: 100 MB)", formatBytes(available))
	if available < MinDiskSpaceBytes {
		result.Status = StatusFail
		return result
	}
	result.Status = StatusPass
	return result
}

// CheckFileDescriptors checks if the file descriptor limit is sufficient.
func (c *Checker) CheckFileDescriptors() CheckResult {
	result := CheckResult{
		Name:     "file_descriptors",
		Required: true,
	}

	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check file descriptor limit: %v", err)
		return result
	}

	result.Message = fmt.Sprintf("%d (minimum: %d)", rLimit.Cur, MinFileDescriptors)
	if rLimit.Cur < MinFileDescriptors {
		result.Status = StatusFail
		result.Details = "Run 'ulimit -n 10240' to increase the limit"
		return result
	}
	result.Status = StatusPass
	return result
}

// CheckInotifyWatches warns when the inotify watch limit is low. Platforms
// without the setting pass.
func (c *Checker) CheckInotifyWatches() CheckResult {
	result := CheckResult{Name: "inotify_watches"}

	data, err := os.ReadFile(c.inotifyPath)
	if err != nil {
		result.Status = StatusPass
		result.Message = "not applicable"
		return result
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("unreadable limit %q", strings.TrimSpace(string(data)))
		return result
	}

	result.Message = fmt.Sprintf("%d (recommended: %d)", n, MinInotifyWatches)
	if n < MinInotifyWatches {
		result.Status = StatusWarn
		result.Details = "Large trees fall back to polling; raise fs.inotify.max_user_watches"
		return result
	}
	result.Status = StatusPass
	return result
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
