package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/Aman-CERP/annexwatch/internal/config"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
)

// CheckStatus is the outcome of one check.
type CheckStatus int

const (
	StatusPass CheckStatus = iota
	StatusWarn
	StatusFail
)

var statusNames = [...]string{StatusPass: "PASS", StatusWarn: "WARN", StatusFail: "FAIL"}

func (s CheckStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// MarshalText renders the status by name in JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckResult is the outcome of one check. A Required check that fails
// keeps the daemon from starting.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical reports a failed required check.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker performs preflight validation checks.
type Checker struct {
	runner tracker.Runner
	// inotifyPath is read for the inotify watch limit.
	inotifyPath string
}

// Option configures a Checker.
type Option func(*Checker)

// WithRunner replaces the git runner used by the tool checks.
func WithRunner(r tracker.Runner) Option {
	return func(c *Checker) {
		c.runner = r
	}
}

// WithInotifyPath overrides /proc/sys/fs/inotify/max_user_watches.
func WithInotifyPath(path string) Option {
	return func(c *Checker) {
		c.inotifyPath = path
	}
}

// New creates a new Checker with the given options.
func New(opts ...Option) *Checker {
	c := &Checker{
		runner:      tracker.ExecRunner{},
		inotifyPath: "/proc/sys/fs/inotify/max_user_watches",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs all preflight checks for cfg and returns the results.
func (c *Checker) RunAll(ctx context.Context, cfg *config.Config) []CheckResult {
	dataDir := cfg.Storage.DataDir
	results := []CheckResult{
		c.CheckGit(ctx),
		c.CheckAnnex(ctx),
		c.CheckWritePermissions(dataDir),
		c.CheckDiskSpace(dataDir),
		c.CheckFileDescriptors(),
		c.CheckInotifyWatches(),
	}
	return append(results, c.CheckTrees(cfg.Trees)...)
}

// RunRequired runs only the checks whose failure stops the daemon.
func (c *Checker) RunRequired(ctx context.Context, cfg *config.Config) []CheckResult {
	var required []CheckResult
	for _, r := range c.RunAll(ctx, cfg) {
		if r.Required {
			required = append(required, r)
		}
	}
	return required
}

// HasCriticalFailures reports whether any result is critical.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	return slices.ContainsFunc(results, CheckResult.IsCritical)
}

// SummaryStatus condenses results to "failed", "ready_with_warnings" or
// "ready". An optional check that fails counts as a warning.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	summary := "ready"
	for _, r := range results {
		switch {
		case r.IsCritical():
			return "failed"
		case r.Status != StatusPass:
			summary = "ready_with_warnings"
		}
	}
	return summary
}

// CheckWritePermissions creates dir if needed and writes a probe file in it.
func (c *Checker) CheckWritePermissions(dir string) CheckResult {
	r := CheckResult{Name: "write_permissions", Required: true, Status: StatusFail}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
		return r
	}
	probe := filepath.Join(dir, ".annexwatch-preflight-test")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		r.Message = fmt.Sprintf("permission denied: %v", err)
		return r
	}
	_ = os.Remove(probe)
	r.Status, r.Message = StatusPass, dir
	return r
}

// CheckTrees warns about configured roots that are missing, not
// directories, or not git checkouts. None of them is required; the daemon
// serves the trees it can open.
func (c *Checker) CheckTrees(trees []string) []CheckResult {
	if len(trees) == 0 {
		return []CheckResult{{
			Name:    "trees",
			Status:  StatusWarn,
			Message: "no trees configured",
			Details: "Add one with 'annexwatch trees add <path>'",
		}}
	}
	results := make([]CheckResult, 0, len(trees))
	for _, root := range trees {
		r := CheckResult{Name: "tree", Message: root, Status: StatusWarn}
		if info, err := os.Stat(root); err != nil {
			r.Details = err.Error()
		} else if !info.IsDir() {
			r.Details = "not a directory"
		} else if _, err := os.Lstat(filepath.Join(root, ".git")); err != nil {
			r.Details = "not a git repository"
		} else {
			r.Status = StatusPass
		}
		results = append(results, r)
	}
	return results
}
