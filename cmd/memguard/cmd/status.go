package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/memguard/pkg/guardian"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show guardian and supervised process status",
	Long:  `Queries the running guardian's status API and displays the current memory classification, supervised process and restart history.`,
	RunE:  runStatus,
}

var restartsCmd = &cobra.Command{
	Use:   "restarts",
	Short: "Show recent restart events",
	Long:  `Lists recent restart events recorded in the guardian's restart journal, newest first.`,
	RunE:  runRestarts,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartsCmd)

	restartsCmd.Flags().Int("limit", 20, "maximum number of events to show")
}

type statusResponse struct {
	Guardian guardian.Status        `json:"guardian"`
	State    map[string]interface{} `json:"state,omitempty"`
}

func fetchJSON(path string, out interface{}) error {
	url := GetAPIURL() + path
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token := viper.GetString("api.auth_token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach guardian at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("guardian returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var result statusResponse
	if err := fetchJSON("/status", &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	g := result.Guardian
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Classification", string(g.Classification))
	table.Append("PID", fmt.Sprintf("%d", g.PID))
	table.Append("Process", string(g.ProcessStatus))
	table.Append("Last sample", fmt.Sprintf("%d MB", g.LastSampleMB))
	if !g.LastSampleAt.IsZero() {
		table.Append("Sampled at", g.LastSampleAt.Format(time.RFC3339))
	}
	if g.LastSnapshotID != "" {
		table.Append("Last snapshot", g.LastSnapshotID)
	}
	table.Append("Restarts in window", fmt.Sprintf("%d", len(g.Attempts)))
	table.Append("Guardian since", g.GuardianSince.Format(time.RFC3339))
	table.Render()

	if g.Degraded {
		fmt.Println("\nWARNING: guardian is DEGRADED; automatic restarts are suspended")
	}
	return nil
}

type restartsResponse struct {
	Restarts []guardian.RestartEvent `json:"restarts"`
}

func runRestarts(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	var result restartsResponse
	if err := fetchJSON(fmt.Sprintf("/restarts?limit=%d", limit), &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(result.Restarts) == 0 {
		fmt.Println("No restart events recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Attempt", "Reason", "Old PID", "New PID", "Cooldown", "Result")

	for _, ev := range result.Restarts {
		outcome := "failed"
		switch {
		case ev.Degraded:
			outcome = "degraded"
		case ev.Success:
			outcome = "ok"
		}
		table.Append(
			ev.Timestamp.Format(time.RFC3339),
			fmt.Sprintf("%d", ev.AttemptNumber),
			ev.Reason,
			fmt.Sprintf("%d", ev.OldPID),
			fmt.Sprintf("%d", ev.NewPID),
			ev.Cooldown.String(),
			outcome,
		)
	}
	table.Render()
	return nil
}
