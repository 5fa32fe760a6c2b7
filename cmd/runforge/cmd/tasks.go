package cmd

import (
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/models"
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List task definitions",
	RunE:  runTasksList,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

func runTasksList(cmd *cobra.Command, args []string) error {
	var tasks []*models.Task
	if err := doRequest("GET", "/tasks", nil, &tasks); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(tasks)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task", "Kind", "Account", "Enabled", "Updated")
	for _, task := range tasks {
		enabled := "no"
		if task.Enabled {
			enabled = "yes"
		}
		updated := "-"
		if !task.UpdatedAt.IsZero() {
			updated = task.UpdatedAt.Local().Format(time.RFC3339)
		}
		table.Append(task.Name, task.Kind, task.AccountName, enabled, updated)
	}
	table.Render()
	return nil
}
