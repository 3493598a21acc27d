package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/preflight"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
)

// toolRunner answers the tool probes; annex controls whether git-annex exists.
type toolRunner struct{ annex bool }

func (r toolRunner) Run(_ context.Context, _ string, c tracker.Command) (tracker.Result, error) {
	if c.Kind == tracker.ContentTracker && !r.annex {
		return tracker.Result{ExitCode: 1}, errors.New("git: 'annex' is not a git command")
	}
	return tracker.Result{Stdout: []byte("ok\n")}, nil
}

func (r toolRunner) Stream(context.Context, string, tracker.Command, func([]byte) error) error {
	return nil
}

func useChecker(t *testing.T, annex bool) {
	t.Helper()
	prev := newChecker
	newChecker = func(string) *preflight.Checker {
		return preflight.New(
			preflight.WithRunner(toolRunner{annex: annex}),
			preflight.WithInotifyPath(filepath.Join(t.TempDir(), "absent")),
		)
	}
	t.Cleanup(func() { newChecker = prev })
}

func TestDoctor_AllPass(t *testing.T) {
	// Given: working tools and one checkout
	useChecker(t, true)
	tree := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(tree, ".git"), 0o755))
	env := newTestEnv(t, tree)

	// When: running doctor
	out, err := execute(t, "--config", env.configPath, "doctor")

	// Then: every check is listed and the summary is ready
	require.NoError(t, err)
	assert.Contains(t, out, "git_annex: ok")
	assert.Contains(t, out, "disk_space")
	assert.Contains(t, out, "READY")
}

func TestDoctor_MissingAnnexFails(t *testing.T) {
	// Given: git without git-annex
	useChecker(t, false)
	env := newTestEnv(t, t.TempDir())

	// When: running doctor as JSON
	out, err := execute(t, "--config", env.configPath, "doctor", "--json")

	// Then: the JSON names the failure and the command fails
	require.Error(t, err)
	var results []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	found := false
	for _, r := range results {
		if r.Name == "git_annex" {
			found = true
			assert.Equal(t, "FAIL", r.Status)
		}
	}
	assert.True(t, found)
}

func TestRunPreflight_MarksPassedOnce(t *testing.T) {
	// Given: working tools and a fresh data directory
	useChecker(t, true)
	env := newTestEnv(t)
	cfg := env.load(t)

	// When: running the required checks
	require.NoError(t, runPreflight(context.Background(), cfg))

	// Then: the marker skips them next time, even if tools break
	assert.False(t, preflight.NeedsCheck(cfg.Storage.DataDir))
	useChecker(t, false)
	assert.NoError(t, runPreflight(context.Background(), cfg))
}

func TestRunPreflight_CriticalFailureStopsRun(t *testing.T) {
	// Given: git-annex is missing
	useChecker(t, false)
	env := newTestEnv(t)
	cfg := env.load(t)

	// When: running the required checks
	err := runPreflight(context.Background(), cfg)

	// Then: the run is refused and nothing is marked
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git_annex")
	assert.Equal(t, awerrors.ErrCodeInternal, awerrors.GetCode(err))
	assert.True(t, preflight.NeedsCheck(cfg.Storage.DataDir))
}
