// Package preflight checks that the host can run annexwatch before the
// daemon takes its lock.
//
// The package validates:
//   - git and git-annex are installed and runnable
//   - the data directory is writable and has free space (minimum 100MB)
//   - file descriptor limits (minimum 1024)
//   - inotify watch limits, on Linux
//   - every configured tree root exists
//
//	checker := preflight.New()
//	results := checker.RunAll(ctx, cfg)
//	if checker.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight
