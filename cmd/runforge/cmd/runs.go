package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/runforge/runforge/pkg/models"
)

var (
	// runs start flags
	startTask     string
	startMode     string
	startOverride []string

	// runs list flags
	listTask    string
	listAccount string
	listStatus  string

	// runs status flags
	followStatus bool

	// runs logs flags
	followLogs bool
	logsOffset int64
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage runs",
	Long:  `Commands for starting, listing and inspecting runs on the daemon.`,
}

var runsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a run",
	Long:  `Launch a worker for a task. The command returns as soon as the run is accepted; its outcome lands on the run record.`,
	RunE:  runRunsStart,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	Long:  `List runs in the ledger, optionally filtered by task, account or status.`,
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Get run status",
	Long:  `Retrieve the full record of one run.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Stop a run",
	Long:  `Request termination of a run. Safe to repeat; stopping a finished run is a no-op.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStop,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Get logs for a run",
	Long:  `Print the captured output of a run. With --follow the stream stays attached until the run finishes.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsStartCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsStopCmd)
	runsCmd.AddCommand(runsLogsCmd)

	runsStartCmd.Flags().StringVar(&startTask, "task", "", "task name (required)")
	runsStartCmd.Flags().StringVar(&startMode, "mode", "run", "run mode: run, run_once or monitor")
	runsStartCmd.Flags().StringArrayVar(&startOverride, "set", nil, "config override key=value (repeatable)")
	runsStartCmd.MarkFlagRequired("task")

	runsListCmd.Flags().StringVar(&listTask, "task", "", "filter by task name")
	runsListCmd.Flags().StringVar(&listAccount, "account", "", "filter by account")
	runsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")

	runsStatusCmd.Flags().BoolVarP(&followStatus, "follow", "f", false, "poll until the run finishes")

	runsLogsCmd.Flags().BoolVarP(&followLogs, "follow", "f", false, "stay attached until the run finishes")
	runsLogsCmd.Flags().Int64Var(&logsOffset, "offset", 0, "byte offset to read from")
}

func runRunsStart(cmd *cobra.Command, args []string) error {
	override := make(map[string]string)
	for _, kv := range startOverride {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid --set %q, expected key=value", kv)
		}
		override[parts[0]] = parts[1]
	}

	payload := map[string]interface{}{"task": startTask, "mode": startMode}
	if len(override) > 0 {
		payload["override"] = override
	}

	var result map[string]string
	if err := doRequest("POST", "/runs", payload, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}
	fmt.Printf("Run accepted: %s\n", result["run_id"])
	return nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listTask != "" {
		q.Set("task", listTask)
	}
	if listAccount != "" {
		q.Set("account", listAccount)
	}
	if listStatus != "" {
		q.Set("status", listStatus)
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var runs []*models.Run
	if err := doRequest("GET", path, nil, &runs); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(runs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Run ID", "Task", "Account", "Mode", "Status", "Exit", "Created")
	for _, run := range runs {
		exit := "-"
		if run.ExitCode != nil {
			exit = fmt.Sprintf("%d", *run.ExitCode)
		}
		table.Append(shortID(run.ID), run.TaskName, run.AccountName, string(run.Mode),
			string(run.Status), exit, run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	table.Render()
	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]

	if followStatus {
		fmt.Printf("Following run %s (press Ctrl+C to stop)...\n\n", runID)
		for {
			var run models.Run
			if err := doRequest("GET", "/runs/"+runID, nil, &run); err != nil {
				return err
			}
			fmt.Print("\033[H\033[2J")
			displayRun(&run)
			if models.IsTerminalState(run.Status) {
				return nil
			}
			time.Sleep(2 * time.Second)
		}
	}

	var run models.Run
	if err := doRequest("GET", "/runs/"+runID, nil, &run); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(run)
	}
	displayRun(&run)
	return nil
}

func displayRun(run *models.Run) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Run ID", run.ID)
	table.Append("Task", run.TaskName)
	table.Append("Account", run.AccountName)
	table.Append("Mode", string(run.Mode))
	table.Append("Status", string(run.Status))
	if run.ExitCode != nil {
		table.Append("Exit code", fmt.Sprintf("%d", *run.ExitCode))
	}
	if run.Error != "" {
		table.Append("Error", run.Error)
	}
	table.Append("Created", run.CreatedAt.Local().Format(time.RFC3339))
	if run.StartedAt != nil {
		table.Append("Started", run.StartedAt.Local().Format(time.RFC3339))
	}
	if run.FinishedAt != nil {
		table.Append("Finished", run.FinishedAt.Local().Format(time.RFC3339))
		if run.StartedAt != nil {
			table.Append("Duration", run.FinishedAt.Sub(*run.StartedAt).Round(time.Second).String())
		}
	}
	table.Render()
}

func runRunsStop(cmd *cobra.Command, args []string) error {
	if err := doRequest("POST", "/runs/"+args[0]+"/stop", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Stop requested for run %s\n", args[0])
	return nil
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	runID := args[0]

	if followLogs {
		return streamLogs(runID)
	}

	path := fmt.Sprintf("/runs/%s/log?offset=%d", runID, logsOffset)
	req, err := http.NewRequest("GET", GetDaemonURL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

// streamLogs attaches to the live log stream until the run finishes
func streamLogs(runID string) error {
	path := fmt.Sprintf("/runs/%s/log/stream?offset=%d", runID, logsOffset)
	req, err := http.NewRequest("GET", GetDaemonURL()+path, nil)
	if err != nil {
		return err
	}

	// No client timeout: the stream lives as long as the run
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return err
	}
	if status := resp.Trailer.Get("X-Run-Status"); status != "" {
		fmt.Fprintf(os.Stderr, "\nRun finished: %s\n", status)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
