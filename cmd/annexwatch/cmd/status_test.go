package cmd

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/annexwatch/internal/daemon"
	"github.com/Aman-CERP/annexwatch/internal/tracker/trackertest"
)

func TestStatus_DaemonOverview(t *testing.T) {
	// Given: a daemon watching one tree
	fake := trackertest.NewFake()
	root := annexTree(t, fake)
	env := newTestEnv(t, root)
	startDaemon(t, env, fake)

	// When: asking for the daemon status
	out, err := execute(t, "--config", env.configPath, "status")

	// Then: the tree is listed
	require.NoError(t, err)
	assert.Contains(t, out, "annexwatch daemon")
	assert.Contains(t, out, root)
}

func TestStatus_PathAfterScan(t *testing.T) {
	// Given: a daemon that scans one tree on start
	fake := trackertest.NewFake()
	root := annexTree(t, fake)
	env := newTestEnv(t, root)
	startDaemon(t, env, fake)
	file := filepath.Join(root, "a.txt")

	// When: polling the file's status
	var out string
	require.Eventually(t, func() bool {
		var err error
		out, err = execute(t, "--config", env.configPath, "status", file)
		return err == nil && strings.Contains(out, "present")
	}, 5*time.Second, 50*time.Millisecond)

	// Then: it is reported present with enough copies
	assert.Contains(t, out, file)
	assert.Contains(t, out, "present")
	assert.Contains(t, out, "enough")
	assert.Contains(t, out, "SHA256E-s7--a")
}

func TestStatus_PathJSON(t *testing.T) {
	// Given: a scanned tree
	fake := trackertest.NewFake()
	root := annexTree(t, fake)
	env := newTestEnv(t, root)
	startDaemon(t, env, fake)

	// When: asking for the root as JSON once it is computed
	var res daemon.PathStatusResult
	require.Eventually(t, func() bool {
		out, err := execute(t, "--config", env.configPath, "status", "--json", root)
		if err != nil || json.Unmarshal([]byte(out), &res) != nil {
			return false
		}
		return res.Status != nil && !res.Status.NeedsUpdate
	}, 5*time.Second, 50*time.Millisecond)

	// Then: the folder aggregates its one file
	assert.True(t, res.Status.IsDirectory)
	assert.Equal(t, "present", res.Status.Presence)
}

func TestStatus_OutsideAnyTree(t *testing.T) {
	// Given: a daemon with one tree
	fake := trackertest.NewFake()
	root := annexTree(t, fake)
	env := newTestEnv(t, root)
	startDaemon(t, env, fake)

	// When: asking about a path outside it
	_, err := execute(t, "--config", env.configPath, "status", t.TempDir())

	// Then: the daemon rejects it
	require.Error(t, err)
}

func TestRescanAndVisible(t *testing.T) {
	// Given: a daemon with one tree
	fake := trackertest.NewFake()
	root := annexTree(t, fake)
	env := newTestEnv(t, root)
	startDaemon(t, env, fake)

	// When: forcing a rescan
	out, err := execute(t, "--config", env.configPath, "rescan", root)

	// Then: it is scheduled for that tree
	require.NoError(t, err)
	assert.Contains(t, out, "Full scan scheduled")

	// When: marking the root visible and then hidden
	out, err = execute(t, "--config", env.configPath, "visible", root)
	require.NoError(t, err)
	assert.Contains(t, out, "Visible "+root)
	out, err = execute(t, "--config", env.configPath, "visible", "--hidden", root)

	// Then: both calls succeed
	require.NoError(t, err)
	assert.Contains(t, out, "Hidden "+root)
}
