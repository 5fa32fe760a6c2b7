package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/models"
)

var confirmFlag bool

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage remote snapshots",
	Long:  `Commands for inspecting and driving the remote snapshot store.`,
}

var backupStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backup status",
	RunE:  runBackupStatus,
}

var backupPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload a snapshot now",
	Long:  `Package local state and upload it to the remote store. Refused when the remote changed under another instance; --confirm overrides.`,
	RunE:  runBackupPush,
}

var backupPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Restore the remote snapshot",
	Long:  `Replace local state with the remote snapshot. Refused while runs are active, and while unpushed local changes exist unless --confirm is given.`,
	RunE:  runBackupPull,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupStatusCmd)
	backupCmd.AddCommand(backupPushCmd)
	backupCmd.AddCommand(backupPullCmd)

	backupPushCmd.Flags().BoolVar(&confirmFlag, "confirm", false, "override a remote change-token conflict")
	backupPullCmd.Flags().BoolVar(&confirmFlag, "confirm", false, "discard unpushed local changes")
}

func runBackupStatus(cmd *cobra.Command, args []string) error {
	var st models.BackupState
	if err := doRequest("GET", "/backup", nil, &st); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(st)
	}
	displayBackup(&st)
	return nil
}

func displayBackup(st *models.BackupState) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Enabled", fmt.Sprintf("%t", st.Enabled))
	if st.RemoteURL != "" {
		table.Append("Remote", st.RemoteURL)
	}
	if st.ChangeToken != "" {
		table.Append("Change token", st.ChangeToken)
	}
	table.Append("Last push", formatTime(st.LastPushAt))
	table.Append("Last pull", formatTime(st.LastPullAt))
	if st.LastError != "" {
		table.Append("Last error", st.LastError)
	}
	table.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func runBackupPush(cmd *cobra.Command, args []string) error {
	var st models.BackupState
	if err := doRequest("POST", "/backup/push", map[string]bool{"confirm": confirmFlag}, &st); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(st)
	}
	fmt.Println("Snapshot pushed")
	displayBackup(&st)
	return nil
}

func runBackupPull(cmd *cobra.Command, args []string) error {
	var st models.BackupState
	if err := doRequest("POST", "/backup/pull", map[string]bool{"confirm": confirmFlag}, &st); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(st)
	}
	fmt.Println("Snapshot restored")
	displayBackup(&st)
	return nil
}
