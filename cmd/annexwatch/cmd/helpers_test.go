package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/annexwatch/internal/config"
	"github.com/Aman-CERP/annexwatch/internal/daemon"
	"github.com/Aman-CERP/annexwatch/internal/tracker"
	"github.com/Aman-CERP/annexwatch/internal/tracker/trackertest"
)

// testEnv is an isolated config file, data directory and socket.
type testEnv struct {
	configPath string
	dataDir    string
	socketPath string
}

// newTestEnv writes a config file pointing every annexwatch file into temp
// dirs and clears the environment overrides.
func newTestEnv(t *testing.T, trees ...string) testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	for _, k := range []string{
		"ANNEXWATCH_TREES", "ANNEXWATCH_DATA_DIR", "ANNEXWATCH_SOCKET", "ANNEXWATCH_LOG_LEVEL",
		"ANNEXWATCH_METRICS_LISTEN", "ANNEXWATCH_GIT", "ANNEXWATCH_COMMAND_TIMEOUT",
		"ANNEXWATCH_FILE_WORKERS", "ANNEXWATCH_DIRECTORY_WORKERS", "ANNEXWATCH_FORCE_POLLING",
	} {
		t.Setenv(k, "")
	}

	env := testEnv{
		configPath: filepath.Join(dir, "config.yaml"),
		dataDir:    filepath.Join(dir, "data"),
		socketPath: filepath.Join("/tmp", fmt.Sprintf("annexwatch-cmd-test-%d.sock", time.Now().UnixNano())),
	}
	t.Cleanup(func() { os.Remove(env.socketPath) })

	cfg := config.NewConfig()
	cfg.Storage.DataDir = env.dataDir
	cfg.Server.SocketPath = env.socketPath
	cfg.Trees = trees
	require.NoError(t, cfg.WriteYAML(env.configPath))
	return env
}

// load reads the env's config file back.
func (e testEnv) load(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(e.configPath)
	require.NoError(t, err)
	return cfg
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// useFake makes offline scans use fake.
func useFake(t *testing.T, fake *trackertest.Fake) {
	t.Helper()
	prev := newTracker
	newTracker = func(*config.Config) tracker.Tracker { return fake }
	t.Cleanup(func() { newTracker = prev })
}

// annexTree creates a tree root with one present annexed file.
func annexTree(t *testing.T, fake *trackertest.Fake) string {
	t.Helper()
	root := config.NormalizeRoot(t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("content"), 0o644))
	fake.SetHeads(root, "h1", "m1")
	fake.AddFile(root, "a.txt", "SHA256E-s7--a", true, 1)
	return root
}

// startDaemon runs an in-process daemon for env backed by fake.
func startDaemon(t *testing.T, env testEnv, fake *trackertest.Fake) {
	t.Helper()
	cfg := env.load(t)
	d, err := daemon.NewDaemon(daemon.FromConfig(cfg),
		daemon.WithAppConfig(cfg),
		daemon.WithTracker(fake),
		daemon.WithoutWatching(),
		daemon.WithFatalHandler(func(err error) { t.Errorf("unexpected fatal error: %v", err) }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	client := daemon.NewClient(daemon.FromConfig(cfg))
	require.Eventually(t, client.IsRunning, 5*time.Second, 20*time.Millisecond, "daemon socket never came up")
}

// syncBuffer is a bytes.Buffer safe for a writer and a reader goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
