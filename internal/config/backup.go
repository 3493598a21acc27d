package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	// MaxBackups is how many backups of a config file are kept.
	MaxBackups = 3
	// BackupSuffix precedes the timestamp in a backup name.
	BackupSuffix = ".bak"

	backupStamp = "20060102-150405.000000000"
)

// Backup copies path to path.bak.<timestamp> and prunes all but the newest
// MaxBackups copies. A missing path is not an error; the returned name is
// then empty.
func Backup(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read config for backup: %w", err)
	}

	name := path + BackupSuffix + "." + time.Now().Format(backupStamp)
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	if backups, err := ListBackups(path); err == nil && len(backups) > MaxBackups {
		for _, old := range backups[MaxBackups:] {
			_ = os.Remove(old)
		}
	}
	return name, nil
}

// ListBackups returns the backups of path, newest first.
func ListBackups(path string) ([]string, error) {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list config directory: %w", err)
	}

	prefix := filepath.Base(path) + BackupSuffix + "."
	var backups []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	// The timestamps sort lexically.
	slices.Sort(backups)
	slices.Reverse(backups)
	return backups, nil
}

// Restore replaces path with backupPath, backing up the current file first.
// An empty backupPath means the newest backup.
func Restore(path, backupPath string) (string, error) {
	if backupPath == "" {
		backups, err := ListBackups(path)
		if err != nil {
			return "", err
		}
		if len(backups) == 0 {
			return "", fmt.Errorf("no backups of %s", path)
		}
		backupPath = backups[0]
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return "", fmt.Errorf("read backup: %w", err)
	}
	if _, err := Backup(path); err != nil {
		return "", fmt.Errorf("back up current config: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return backupPath, nil
}

// writeFileAtomic writes data next to path and renames it into place, so a
// watcher never reads a half-written file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
