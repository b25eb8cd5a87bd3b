package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/memguard/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for generating and inspecting guardian configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long:  `Writes a commented default configuration to $HOME/.memguard/config.yaml, or to the path given with --path. Existing files are not overwritten.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Prints the configuration the guardian would run with, after merging the config file, environment and defaults.`,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().String("path", "", "destination path (default $HOME/.memguard/config.yaml)")
}

const defaultConfigTemplate = `# memguard configuration

# Memory thresholds in MB. Percentage alternates (warning_percent etc.)
# resolve against total system memory and apply only when the fixed value
# is omitted.
thresholds:
  warning: 12288
  critical: 15360
  emergency: 18432

restart_policy:
  max_attempts: 3
  attempt_window: 30m
  initial_cooldown: 30s
  max_cooldown: 5m
  cooldown_multiplier: 2.0
  graceful_timeout: 30s
  force_kill_timeout: 10s
  # Classification tier that triggers an automatic restart: emergency or critical
  restart_on: emergency

monitoring:
  normal_interval: 30s
  warning_interval: 15s
  critical_interval: 5s
  log_interval: 5m
  # Periodic snapshots between restarts; 0 disables them
  snapshot_interval: 0

process:
  command: ""
  args: []
  # Session record of the supervised application, read during state capture
  session_file: ""

persist_state: true
state_file: memguard-state.json

persistence:
  compress: true
  retention_days: 7
  cleanup_interval: 24h
  cache_size: 16
  cache_ttl: 10m
  journal_path: memguard-journal.db

api:
  enabled: true
  listen: 127.0.0.1:9723
  # When set, every request (except /live and /ready) must carry this bearer token
  auth_token: ""

logging:
  level: INFO
  json: false
  file: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to find home directory: %w", err)
		}
		path = filepath.Join(home, ".memguard", "config.yaml")
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := config.FromViper(viper.GetViper())

	output, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(output))
	return nil
}
