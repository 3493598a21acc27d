package preflight

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Aman-CERP/annexwatch/internal/tracker"
)

// CheckGit checks that git runs.
func (c *Checker) CheckGit(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "git",
		Required: true,
	}

	res, err := c.runner.Run(ctx, os.TempDir(), tracker.Git("--version"))
	if err != nil {
		result.Status = StatusFail
		result.Message = "git is not runnable"
		result.Details = err.Error()
		return result
	}

	result.Status = StatusPass
	result.Message = strings.TrimSpace(string(res.Stdout))
	return result
}

// CheckAnnex checks that git-annex is installed.
func (c *Checker) CheckAnnex(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "git_annex",
		Required: true,
	}

	res, err := c.runner.Run(ctx, os.TempDir(), tracker.Annex("version", "--raw"))
	if err != nil {
		result.Status = StatusFail
		result.Message = "git-annex is not installed"
		result.Details = err.Error()
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("git-annex %s", strings.TrimSpace(string(res.Stdout)))
	return result
}
