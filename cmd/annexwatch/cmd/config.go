package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/annexwatch/configs"
	"github.com/Aman-CERP/annexwatch/internal/config"
	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
	"github.com/Aman-CERP/annexwatch/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		Long: `Manage the annexwatch configuration file.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. Config file (--config, or ~/.config/annexwatch/config.yaml)
  3. Environment variables (ANNEXWATCH_*)`,
		Example: `  # Create the config file from the template
  annexwatch config init

  # Show the effective configuration
  annexwatch config show

  # Print the config file path
  annexwatch config path

  # Undo the last rewrite
  annexwatch config restore`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigBackupsCmd())
	cmd.AddCommand(newConfigRestoreCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the configuration file",
		Long: `Create the configuration file from the commented template.

An existing file is left alone unless --force is given, in which case it
is backed up next to itself before being replaced.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd.OutOrStdout(), configFilePath(), force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing configuration")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		source     string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Example: `  # Show merged configuration
  annexwatch config show

  # Show the built-in defaults as JSON
  annexwatch config show --source defaults --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd.OutOrStdout(), jsonOutput, source)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&source, "source", "merged", "Config source: merged, defaults")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), configFilePath())
			return nil
		},
	}
}

func newConfigBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backups of the configuration file, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			backups, err := config.ListBackups(configFilePath())
			if err != nil {
				return awerrors.ConfigError("failed to list backups", err)
			}
			output.New(cmd.OutOrStdout()).List("Backups:", backups, "none")
			return nil
		},
	}
}

func newConfigRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [backup]",
		Short: "Replace the configuration file with a backup",
		Long: `Replace the configuration file with a backup, by default the newest
one. The current file is backed up first, so a restore can itself be
undone. A running daemon picks up the restored tree set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var backup string
			if len(args) == 1 {
				backup = args[0]
			}
			path := configFilePath()
			from, err := config.Restore(path, backup)
			if err != nil {
				return awerrors.ConfigError("failed to restore configuration", err).
					WithSuggestion("list backups with 'annexwatch config backups'")
			}
			out := output.New(cmd.OutOrStdout())
			out.Success("Restored configuration")
			out.KeyValue("From", from)
			out.KeyValue("Location", path)
			return nil
		},
	}
}

// configFilePath is --config or the user config path.
func configFilePath() string {
	if configPath != "" {
		return configPath
	}
	return config.GetUserConfigPath()
}

func runConfigInit(w io.Writer, path string, force bool) error {
	out := output.New(w)

	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warning("Configuration already exists")
			out.KeyValue("Location", path)
			out.Status("", "Use --force to replace it (a backup is kept)")
			return nil
		}
		backup, err := config.Backup(path)
		if err != nil {
			return awerrors.ConfigError("failed to back up configuration", err)
		}
		out.KeyValue("Backup", backup)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out.Success("Created configuration")
	out.KeyValue("Location", path)
	out.Newline()
	out.Steps("Next steps:",
		"Add trees with 'annexwatch trees add <path>'",
		"Start the daemon with 'annexwatch run --background'")
	return nil
}

func runConfigShow(w io.Writer, jsonOutput bool, source string) error {
	var (
		cfg *config.Config
		err error
	)
	switch source {
	case "merged":
		if cfg, err = loadConfig(); err != nil {
			return err
		}
	case "defaults":
		cfg = config.NewConfig()
	default:
		return awerrors.New(awerrors.ErrCodeInvalidInput, "unknown config source: "+source, nil).
			WithSuggestion("use 'merged' or 'defaults'")
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	if p := cfg.Path(); p != "" && source == "merged" {
		fmt.Fprintf(w, "# %s\n", p)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
