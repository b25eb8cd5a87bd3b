package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/memguard/pkg/config"
	"github.com/psantana5/memguard/pkg/state"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and clean up state snapshots",
	Long:  `Commands for listing archived state snapshots and removing old ones. These operate directly on the snapshot directory and work whether or not a guardian is running.`,
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived snapshots",
	RunE:  runSnapshotsList,
}

var snapshotsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove snapshots older than the retention period",
	RunE:  runSnapshotsCleanup,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsCleanupCmd)

	snapshotsCleanupCmd.Flags().Int("days", 0, "retention in days (default from config)")
}

// offlineManager builds a state manager over the configured snapshot
// directory without a live process behind it.
func offlineManager() (*state.Manager, *config.Config, error) {
	cfg := config.FromViper(viper.GetViper())
	if cfg.Persistence.StateFile == "" {
		return nil, nil, fmt.Errorf("no state file configured; set persistence.state_file")
	}
	mgr := state.NewManager(state.Options{
		StateFile: cfg.Persistence.StateFile,
		Compress:  cfg.Persistence.Compress,
		CacheSize: cfg.Persistence.CacheSize,
		CacheTTL:  cfg.Persistence.CacheTTL,
	}, nil, nil, nil, nil)
	return mgr, cfg, nil
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	mgr, _, err := offlineManager()
	if err != nil {
		return err
	}

	snapshots := mgr.ListSnapshots()

	if IsJSONOutput() {
		output, err := json.MarshalIndent(snapshots, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(snapshots) == 0 {
		fmt.Println("No snapshots found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("State ID", "Modified", "Size")
	for _, s := range snapshots {
		table.Append(
			s.StateID,
			s.ModifiedAt.Format(time.RFC3339),
			fmt.Sprintf("%d bytes", s.SizeBytes),
		)
	}
	table.Render()
	return nil
}

func runSnapshotsCleanup(cmd *cobra.Command, args []string) error {
	mgr, cfg, err := offlineManager()
	if err != nil {
		return err
	}

	days, _ := cmd.Flags().GetInt("days")
	if days <= 0 {
		days = cfg.Persistence.RetentionDays
	}
	if days <= 0 {
		return fmt.Errorf("no retention period configured; use --days")
	}

	removed, err := mgr.CleanupOldStates(days)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	fmt.Printf("Removed %d snapshot(s) older than %d day(s)\n", removed, days)
	return nil
}
