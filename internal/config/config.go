package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
)

// Config represents the complete annexwatch configuration.
type Config struct {
	Version int           `yaml:"version" json:"version"`
	Trees   []string      `yaml:"trees" json:"trees"`
	Scan    ScanConfig    `yaml:"scan" json:"scan"`
	Queues  QueuesConfig  `yaml:"queues" json:"queues"`
	Tracker TrackerConfig `yaml:"tracker" json:"tracker"`
	Watch   WatchConfig   `yaml:"watch" json:"watch"`
	Notify  NotifyConfig  `yaml:"notify" json:"notify"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// path is the file this configuration was loaded from, if any.
	path string
}

// ScanConfig configures full and incremental scans.
type ScanConfig struct {
	// BatchSize is the number of placeholder rows written per transaction
	// and the number of report lines handled between cancellation checks.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// RecheckInterval is how often every tree gets an incremental scan even
	// without filesystem events (e.g., "5m", "0" = disabled).
	RecheckInterval string `yaml:"recheck_interval" json:"recheck_interval"`
}

// QueuesConfig sizes the two status-query admission queues.
type QueuesConfig struct {
	// DirectoryWorkers bounds background and directory requests.
	DirectoryWorkers int `yaml:"directory_workers" json:"directory_workers"`
	// FileWorkers bounds requests for paths under visible directories.
	FileWorkers int `yaml:"file_workers" json:"file_workers"`
}

// TrackerConfig configures the git / git-annex client.
type TrackerConfig struct {
	GitBinary string `yaml:"git_binary" json:"git_binary"`
	// CommandTimeout bounds each tracker invocation ("0" = no timeout).
	CommandTimeout string `yaml:"command_timeout" json:"command_timeout"`
	// MaxFailures is the consecutive failure count that opens a tree's circuit breaker.
	MaxFailures int `yaml:"max_failures" json:"max_failures"`
	// ResetTimeout is how long an open circuit waits before probing again.
	ResetTimeout string `yaml:"reset_timeout" json:"reset_timeout"`
	// NumCopiesTTL is how long a tree's numcopies setting is cached.
	NumCopiesTTL string `yaml:"numcopies_ttl" json:"numcopies_ttl"`
}

// WatchConfig configures filesystem change notification.
type WatchConfig struct {
	Debounce string `yaml:"debounce" json:"debounce"`
	// MaxWait caps how long a steady stream of events can hold a batch back.
	// Zero means ten debounce windows.
	MaxWait      string `yaml:"max_wait" json:"max_wait"`
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`
	// ForcePolling disables fsnotify (network filesystems).
	ForcePolling bool `yaml:"force_polling" json:"force_polling"`
}

// NotifyConfig configures the status_changed notification stream.
type NotifyConfig struct {
	// Debounce is the minimum spacing between two flushes for one tree.
	Debounce string `yaml:"debounce" json:"debounce"`
}

// ServerConfig configures the daemon.
type ServerConfig struct {
	// SocketPath defaults to <data_dir>/annexwatch.sock.
	SocketPath string `yaml:"socket_path" json:"socket_path"`
	LogLevel   string `yaml:"log_level" json:"log_level"`
	// MetricsListen is the address of the Prometheus /metrics listener ("" = disabled).
	MetricsListen string `yaml:"metrics_listen" json:"metrics_listen"`
}

// StorageConfig configures where durable state lives.
type StorageConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// NewConfig creates a new Config with defaults.
func NewConfig() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Version: 1,
		Trees:   []string{},
		Scan: ScanConfig{
			BatchSize:       500,
			RecheckInterval: "10m",
		},
		Queues: QueuesConfig{
			DirectoryWorkers: 2,
			FileWorkers:      max(4, runtime.NumCPU()),
		},
		Tracker: TrackerConfig{
			GitBinary:      "git",
			CommandTimeout: "0",
			MaxFailures:    5,
			ResetTimeout:   "30s",
			NumCopiesTTL:   "5m",
		},
		Watch: WatchConfig{
			Debounce:     "300ms",
			MaxWait:      "3s",
			PollInterval: "5s",
		},
		Notify: NotifyConfig{
			Debounce: "250ms",
		},
		Server: ServerConfig{
			LogLevel: "info",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
	}
}

// DefaultDataDir returns ~/.annexwatch, falling back to the temp directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".annexwatch")
	}
	return filepath.Join(home, ".annexwatch")
}

// GetUserConfigPath returns the path to the user configuration file.
// It follows the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/annexwatch/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/annexwatch/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "annexwatch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "annexwatch", "config.yaml")
	}
	return filepath.Join(home, ".config", "annexwatch", "config.yaml")
}

// Load loads configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. The config file (path, or the user config path when path is empty)
//  3. Environment variables (ANNEXWATCH_*)
//
// An explicit path that does not exist is an error; a missing user config is not.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	explicit := path != ""
	if !explicit {
		path = GetUserConfigPath()
	}
	cfg.path = path

	if err := cfg.loadYAML(path); err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist) && !explicit:
			// No user config is fine.
		case errors.Is(err, os.ErrNotExist):
			return nil, awerrors.New(awerrors.ErrCodeConfigNotFound, "config file not found: "+path, err).
				WithSuggestion("create it with 'annexwatch config init' or drop --config")
		default:
			return nil, err
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, awerrors.ConfigError("invalid configuration", err)
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from (or will be saved to).
func (c *Config) Path() string {
	return c.path
}

// SetPath sets the file Save writes to.
func (c *Config) SetPath(path string) {
	c.path = path
}

// loadYAML decodes path onto c. Only keys present in the file override defaults.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return awerrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// applyEnvOverrides applies ANNEXWATCH_* environment variables.
// Malformed numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ANNEXWATCH_TREES"); v != "" {
		c.Trees = filepath.SplitList(v)
	}
	if v := os.Getenv("ANNEXWATCH_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("ANNEXWATCH_SOCKET"); v != "" {
		c.Server.SocketPath = v
	}
	if v := os.Getenv("ANNEXWATCH_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("ANNEXWATCH_METRICS_LISTEN"); v != "" {
		c.Server.MetricsListen = v
	}
	if v := os.Getenv("ANNEXWATCH_GIT"); v != "" {
		c.Tracker.GitBinary = v
	}
	if v := os.Getenv("ANNEXWATCH_COMMAND_TIMEOUT"); v != "" {
		c.Tracker.CommandTimeout = v
	}
	if v := os.Getenv("ANNEXWATCH_FILE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queues.FileWorkers = n
		}
	}
	if v := os.Getenv("ANNEXWATCH_DIRECTORY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queues.DirectoryWorkers = n
		}
	}
	if v := os.Getenv("ANNEXWATCH_FORCE_POLLING"); v != "" {
		c.Watch.ForcePolling = strings.ToLower(v) == "true" || v == "1"
	}
}

// normalize makes tree roots absolute and clean and drops duplicates.
func (c *Config) normalize() {
	seen := make(map[string]bool, len(c.Trees))
	trees := make([]string, 0, len(c.Trees))
	for _, t := range c.Trees {
		if t == "" {
			continue
		}
		root := NormalizeRoot(t)
		if seen[root] {
			continue
		}
		seen[root] = true
		trees = append(trees, root)
	}
	c.Trees = trees
}

// NormalizeRoot returns the absolute, cleaned form of a tree root.
// "~/" is expanded to the home directory.
func NormalizeRoot(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

// Validate checks value ranges and duration syntax.
func (c *Config) Validate() error {
	if c.Scan.BatchSize <= 0 {
		return fmt.Errorf("scan.batch_size must be positive, got %d", c.Scan.BatchSize)
	}
	if c.Queues.DirectoryWorkers < 1 {
		return fmt.Errorf("queues.directory_workers must be at least 1, got %d", c.Queues.DirectoryWorkers)
	}
	if c.Queues.FileWorkers < 1 {
		return fmt.Errorf("queues.file_workers must be at least 1, got %d", c.Queues.FileWorkers)
	}
	if c.Tracker.GitBinary == "" {
		return fmt.Errorf("tracker.git_binary must not be empty")
	}
	if c.Tracker.MaxFailures < 1 {
		return fmt.Errorf("tracker.max_failures must be at least 1, got %d", c.Tracker.MaxFailures)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}

	durations := map[string]string{
		"scan.recheck_interval":   c.Scan.RecheckInterval,
		"tracker.command_timeout": c.Tracker.CommandTimeout,
		"tracker.reset_timeout":   c.Tracker.ResetTimeout,
		"tracker.numcopies_ttl":   c.Tracker.NumCopiesTTL,
		"watch.debounce":          c.Watch.Debounce,
		"watch.max_wait":          c.Watch.MaxWait,
		"watch.poll_interval":     c.Watch.PollInterval,
		"notify.debounce":         c.Notify.Debounce,
	}
	for key, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}
	return nil
}

// parseDuration accepts Go duration syntax; "" and "0" mean zero.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// RecheckInterval returns scan.recheck_interval (0 = disabled).
func (c *Config) RecheckInterval() time.Duration { return mustDuration(c.Scan.RecheckInterval) }

// CommandTimeout returns tracker.command_timeout (0 = no timeout).
func (c *Config) CommandTimeout() time.Duration { return mustDuration(c.Tracker.CommandTimeout) }

// ResetTimeout returns tracker.reset_timeout.
func (c *Config) ResetTimeout() time.Duration { return mustDuration(c.Tracker.ResetTimeout) }

// NumCopiesTTL returns tracker.numcopies_ttl.
func (c *Config) NumCopiesTTL() time.Duration { return mustDuration(c.Tracker.NumCopiesTTL) }

// WatchDebounce returns watch.debounce.
func (c *Config) WatchDebounce() time.Duration { return mustDuration(c.Watch.Debounce) }

// WatchMaxWait returns watch.max_wait.
func (c *Config) WatchMaxWait() time.Duration { return mustDuration(c.Watch.MaxWait) }

// PollInterval returns watch.poll_interval.
func (c *Config) PollInterval() time.Duration { return mustDuration(c.Watch.PollInterval) }

// NotifyDebounce returns notify.debounce.
func (c *Config) NotifyDebounce() time.Duration { return mustDuration(c.Notify.Debounce) }

// DatabasePath returns the status store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "status.db")
}

// SocketPath returns the daemon socket location.
func (c *Config) SocketPath() string {
	if c.Server.SocketPath != "" {
		return c.Server.SocketPath
	}
	return filepath.Join(c.Storage.DataDir, "annexwatch.sock")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Storage.DataDir, "annexwatch.lock")
}

// PIDPath returns the daemon PID file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Storage.DataDir, "annexwatch.pid")
}

// AddTree adds root to the watched set. It reports false if it was already present.
func (c *Config) AddTree(root string) bool {
	root = NormalizeRoot(root)
	for _, t := range c.Trees {
		if t == root {
			return false
		}
	}
	c.Trees = append(c.Trees, root)
	return true
}

// RemoveTree removes root from the watched set. It reports false if it was absent.
func (c *Config) RemoveTree(root string) bool {
	root = NormalizeRoot(root)
	for i, t := range c.Trees {
		if t == root {
			c.Trees = append(c.Trees[:i:i], c.Trees[i+1:]...)
			return true
		}
	}
	return false
}

// WriteYAML writes the configuration to path, creating its directory.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Save backs up the existing file and writes c to Path().
func (c *Config) Save() error {
	if c.path == "" {
		c.path = GetUserConfigPath()
	}
	if _, err := Backup(c.path); err != nil {
		return err
	}
	return c.WriteYAML(c.path)
}
