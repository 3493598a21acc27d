// Package daemon runs annexwatch as a long lived service: it owns the
// status store through a single-instance lock, drives the reconciliation
// engine and answers JSON-RPC requests on a Unix socket.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/annexwatch/internal/config"
)

// maxSocketPath is the usable length of sockaddr_un.sun_path on Linux.
const maxSocketPath = 107

// Config locates the daemon's files and bounds its waits.
type Config struct {
	SocketPath string
	PIDPath    string
	// LockPath is the flock that makes the daemon the only store writer.
	LockPath string
	// DatabasePath is the status store. Empty means in memory.
	DatabasePath string
	// MetricsListen is the /metrics address. Empty disables the listener.
	MetricsListen string
	// ConfigPath, when set, is followed and the tree set kept in step.
	ConfigPath string

	// Timeout bounds one client request.
	Timeout time.Duration
	// ShutdownGracePeriod bounds the metrics listener shutdown.
	ShutdownGracePeriod time.Duration
}

// DefaultConfig returns a Config rooted at the default data directory.
func DefaultConfig() Config {
	return FromConfig(config.NewConfig())
}

// FromConfig derives the daemon's paths from the application configuration.
func FromConfig(c *config.Config) Config {
	return Config{
		SocketPath:          c.SocketPath(),
		PIDPath:             c.PIDPath(),
		LockPath:            c.LockPath(),
		DatabasePath:        c.DatabasePath(),
		MetricsListen:       c.Server.MetricsListen,
		ConfigPath:          c.Path(),
		Timeout:             30 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	for _, p := range []struct{ name, value string }{
		{"socket path", c.SocketPath},
		{"PID path", c.PIDPath},
		{"lock path", c.LockPath},
	} {
		if p.value == "" {
			errs = append(errs, fmt.Errorf("%s cannot be empty", p.name))
		}
	}
	if len(c.SocketPath) > maxSocketPath {
		errs = append(errs, fmt.Errorf("socket path is %d bytes, the limit is %d", len(c.SocketPath), maxSocketPath))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.ShutdownGracePeriod <= 0 {
		errs = append(errs, errors.New("shutdown grace period must be positive"))
	}
	return errors.Join(errs...)
}

// EnsureDir creates the parent directory of every daemon file.
func (c Config) EnsureDir() error {
	for _, p := range []string{c.SocketPath, c.PIDPath, c.LockPath, c.DatabasePath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(p), err)
		}
	}
	return nil
}
