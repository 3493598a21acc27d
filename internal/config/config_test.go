package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
)

// isolate points the user config at a temp dir and clears ANNEXWATCH_* vars.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, k := range []string{
		"ANNEXWATCH_TREES", "ANNEXWATCH_DATA_DIR", "ANNEXWATCH_SOCKET", "ANNEXWATCH_LOG_LEVEL",
		"ANNEXWATCH_METRICS_LISTEN", "ANNEXWATCH_GIT", "ANNEXWATCH_COMMAND_TIMEOUT",
		"ANNEXWATCH_FILE_WORKERS", "ANNEXWATCH_DIRECTORY_WORKERS", "ANNEXWATCH_FORCE_POLLING",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 500, cfg.Scan.BatchSize)
	assert.Equal(t, 2, cfg.Queues.DirectoryWorkers)
	assert.GreaterOrEqual(t, cfg.Queues.FileWorkers, 4)
	assert.Equal(t, "git", cfg.Tracker.GitBinary)
	assert.Equal(t, time.Duration(0), cfg.CommandTimeout())
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout())
	assert.Equal(t, 3*time.Second, cfg.WatchMaxWait())
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Empty(t, cfg.Trees)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingUserConfigUsesDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Scan.BatchSize)
	assert.Equal(t, GetUserConfigPath(), cfg.Path())
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	require.Error(t, err)
	assert.Equal(t, awerrors.ErrCodeConfigNotFound, awerrors.GetCode(err))
}

func TestLoad_FileOverridesOnlyGivenKeys(t *testing.T) {
	// Given: a config file that sets a few keys
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
trees:
  - `+dir+`/annex
  - `+dir+`/annex/
scan:
  batch_size: 50
tracker:
  command_timeout: 30s
`)

	// When: loading it
	cfg, err := Load(path)
	require.NoError(t, err)

	// Then: given keys are applied, roots deduped, others stay default
	assert.Equal(t, []string{filepath.Join(dir, "annex")}, cfg.Trees)
	assert.Equal(t, 50, cfg.Scan.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout())
	assert.Equal(t, "10m", cfg.Scan.RecheckInterval)
}

func TestLoad_UnknownKeyIsRejected(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "scan:\n  batchsize: 10\n")

	_, err := Load(path)

	require.Error(t, err)
	assert.Equal(t, awerrors.CategoryConfig, awerrors.GetCategory(err))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "queues:\n  file_workers: 3\nserver:\n  log_level: info\n")
	data := t.TempDir()
	t.Setenv("ANNEXWATCH_FILE_WORKERS", "9")
	t.Setenv("ANNEXWATCH_DIRECTORY_WORKERS", "garbage")
	t.Setenv("ANNEXWATCH_LOG_LEVEL", "debug")
	t.Setenv("ANNEXWATCH_DATA_DIR", data)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Queues.FileWorkers)
	assert.Equal(t, 2, cfg.Queues.DirectoryWorkers)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, filepath.Join(data, "status.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(data, "annexwatch.sock"), cfg.SocketPath())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch", func(c *Config) { c.Scan.BatchSize = 0 }},
		{"zero workers", func(c *Config) { c.Queues.FileWorkers = 0 }},
		{"bad duration", func(c *Config) { c.Watch.Debounce = "soon" }},
		{"negative max wait", func(c *Config) { c.Watch.MaxWait = "-1s" }},
		{"negative duration", func(c *Config) { c.Tracker.CommandTimeout = "-1s" }},
		{"bad level", func(c *Config) { c.Server.LogLevel = "loud" }},
		{"no git", func(c *Config) { c.Tracker.GitBinary = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAddRemoveTree(t *testing.T) {
	cfg := NewConfig()
	root := t.TempDir()

	assert.True(t, cfg.AddTree(root))
	assert.False(t, cfg.AddTree(root+"/"))
	assert.Equal(t, []string{root}, cfg.Trees)

	assert.True(t, cfg.RemoveTree(root))
	assert.False(t, cfg.RemoveTree(root))
	assert.Empty(t, cfg.Trees)
}

func TestSave_RoundTripsAndBacksUp(t *testing.T) {
	// Given: an existing config file
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "scan:\n  batch_size: 7\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	// When: adding a tree and saving
	root := filepath.Join(dir, "tree")
	cfg.AddTree(root)
	require.NoError(t, cfg.Save())

	// Then: the file reloads with the tree, and the old file was backed up
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{root}, again.Trees)
	assert.Equal(t, 7, again.Scan.BatchSize)

	backups, err := ListBackups(path)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	data, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "batch_size: 7")
}

func TestBackup_KeepsOnlyNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "version: 1\n")

	for i := 0; i < MaxBackups+2; i++ {
		_, err := Backup(path)
		require.NoError(t, err)
	}

	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, MaxBackups)
}

func TestBackup_NoFileIsNoop(t *testing.T) {
	got, err := Backup(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "version: 1\n")
	b, err := Backup(path)
	require.NoError(t, err)
	writeFile(t, path, "version: 2\n")

	got, err := Restore(path, b)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))
}

func TestRestore_DefaultsToNewest(t *testing.T) {
	// Given: two backups, the newer holding version 2
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "version: 1\n")
	_, err := Backup(path)
	require.NoError(t, err)
	writeFile(t, path, "version: 2\n")
	_, err = Backup(path)
	require.NoError(t, err)
	writeFile(t, path, "version: 3\n")

	// When: restoring without naming a backup
	_, err = Restore(path, "")

	// Then: the newest backup wins and version 3 is itself backed up
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version: 2\n", string(data))
	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, 3)
}

func TestRestore_NoBackups(t *testing.T) {
	_, err := Restore(filepath.Join(t.TempDir(), "config.yaml"), "")
	assert.Error(t, err)
}

func TestWatch_ReportsRewrites(t *testing.T) {
	// Given: a watched config file
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "version: 1\n")

	var (
		mu  sync.Mutex
		got []*Config
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
		})
	}()
	time.Sleep(100 * time.Millisecond)

	// When: a tree is added through Save
	cfg, err := Load(path)
	require.NoError(t, err)
	root := t.TempDir()
	cfg.AddTree(root)
	require.NoError(t, cfg.WriteYAML(path))

	// Then: the callback sees the new tree set
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && len(got[len(got)-1].Trees) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
